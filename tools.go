//go:build tools

// Development tools pinned in go.mod. Run the linter with:
//
//	go run github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
package main

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
