// Package main manages the age-sealed secrets file read by deployprobe.
//
// Usage:
//
//	sealsecrets keygen
//	SOPS_AGE_PRIVATE_KEY=AGE-SECRET-KEY-1... sealsecrets recipient
//	SOPS_AGE_PUBLIC_KEY=age1... sealsecrets seal   < secrets.env > secrets.env.age
//	SOPS_AGE_PRIVATE_KEY=AGE-SECRET-KEY-1... sealsecrets open < secrets.env.age
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/narvanalabs/deployprobe/internal/secrets"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if err := run(context.Background(), os.Args[1], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sealsecrets keygen|recipient|seal|open")
	fmt.Fprintln(os.Stderr, "  keygen     print a new age key pair")
	fmt.Fprintln(os.Stderr, "  recipient  print the public key of SOPS_AGE_PRIVATE_KEY")
	fmt.Fprintln(os.Stderr, "  seal       encrypt KEY=VALUE lines from stdin to SOPS_AGE_PUBLIC_KEY")
	fmt.Fprintln(os.Stderr, "  open       decrypt stdin with SOPS_AGE_PRIVATE_KEY")
}

func run(ctx context.Context, cmd string, in io.Reader, out io.Writer) error {
	switch cmd {
	case "keygen":
		publicKey, privateKey, err := secrets.GenerateKeyPair()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "SOPS_AGE_PUBLIC_KEY=%s\n", publicKey)
		fmt.Fprintf(out, "SOPS_AGE_PRIVATE_KEY=%s\n", privateKey)
		return nil

	case "recipient":
		box, err := secrets.NewBox(&secrets.Config{AgePrivateKey: os.Getenv("SOPS_AGE_PRIVATE_KEY")}, nil)
		if err != nil {
			return err
		}
		publicKey := box.PublicKey()
		if publicKey == "" {
			return secrets.ErrNoPrivateKey
		}
		fmt.Fprintf(out, "SOPS_AGE_PUBLIC_KEY=%s\n", publicKey)
		return nil

	case "seal":
		box, err := secrets.NewBox(&secrets.Config{
			AgePublicKey:  os.Getenv("SOPS_AGE_PUBLIC_KEY"),
			AgePrivateKey: os.Getenv("SOPS_AGE_PRIVATE_KEY"),
		}, nil)
		if err != nil {
			return err
		}
		plaintext, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		if _, err := secrets.ParseEnv(plaintext); err != nil {
			return fmt.Errorf("input is not KEY=VALUE lines: %w", err)
		}
		sealed, err := box.Seal(ctx, plaintext)
		if err != nil {
			return err
		}
		_, err = out.Write(sealed)
		return err

	case "open":
		box, err := secrets.NewBox(&secrets.Config{AgePrivateKey: os.Getenv("SOPS_AGE_PRIVATE_KEY")}, nil)
		if err != nil {
			return err
		}
		sealed, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		plaintext, err := box.Open(ctx, sealed)
		if err != nil {
			return err
		}
		_, err = out.Write(plaintext)
		return err

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
