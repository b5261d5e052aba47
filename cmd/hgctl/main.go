package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"healthgate.org/internal/auth"
	"healthgate.org/internal/config"
	"healthgate.org/internal/fieldcrypt"
	"healthgate.org/internal/identity"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen()
	case "token":
		err = runToken(os.Args[2:])
	case "hash":
		err = runHash(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// runKeygen prints a fresh base64 field encryption key.
func runKeygen() error {
	key := make([]byte, fieldcrypt.KeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(key))
	return nil
}

// runToken signs an access token with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "", "principal id")
	role := fs.String("role", string(auth.BaselineRole), "role claim")
	email := fs.String("email", "", "email claim")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	name, err := auth.ParseRoleName(*role)
	if err != nil {
		return err
	}
	v, err := identity.NewVerifier(cfg.Security.JWTSecret,
		identity.WithIssuer(cfg.Security.JWTIssuer),
		identity.WithTTL(cfg.Security.TokenTTL),
	)
	if err != nil {
		return err
	}
	token, err := v.Issue(*sub, *email, name)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runHash prints the argon2id digest and salt of a value, hex encoded.
func runHash(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s hash <value>", os.Args[0])
	}
	res, err := fieldcrypt.Hash([]byte(args[0]), nil)
	if err != nil {
		return err
	}
	fmt.Printf("hash=%s salt=%s\n", hex.EncodeToString(res.Hash), hex.EncodeToString(res.Salt))
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s keygen | token -sub ID [-role ROLE] [-email EMAIL] | hash VALUE\n", os.Args[0])
	os.Exit(2)
}
