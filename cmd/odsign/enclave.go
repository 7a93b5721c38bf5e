//go:build enclave

package main

// The signing key is sealed to the enclave.
const isEnclave = true
