package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"chorus/internal/infra/config"
)

// runEncrypt reads a secret from stdin and prints it in enc: form.
func runEncrypt() error {
	out, err := encryptSecret(os.Stdin, os.Getenv("CHORUS_CONFIG_KEY"))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func encryptSecret(in io.Reader, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("CHORUS_CONFIG_KEY is not set")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("empty secret on stdin")
	}
	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return "", err
	}
	return "enc:" + enc, nil
}
