//go:build !enclave

package main

const isEnclave = false
