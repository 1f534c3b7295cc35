// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// normalizeAccount makes differently composed spellings of an account
// name equal.
func normalizeAccount(account string) string {
	return norm.NFC.String(strings.TrimSpace(account))
}

// ParseUsers reads "account:bcrypt-hash" lines. Blank lines and lines
// starting with # are ignored.
func ParseUsers(r io.Reader) (map[string][]byte, error) {
	users := make(map[string][]byte)
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		account, hash, ok := strings.Cut(line, ":")
		if !ok || account == "" {
			return nil, fmt.Errorf("line %d: expected account:hash", n)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		users[normalizeAccount(account)] = []byte(hash)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func LoadUsers(path string) (map[string][]byte, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return ParseUsers(fd)
}

// HashPassword returns the line to add to a users file.
func HashPassword(account, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return normalizeAccount(account) + ":" + string(hash), nil
}
