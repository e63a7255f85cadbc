package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthURL(t *testing.T) {
	tests := map[string]string{
		"":               "http://localhost:8080/healthz",
		":9000":          "http://localhost:9000/healthz",
		"0.0.0.0:8081":   "http://localhost:8081/healthz",
		"127.0.0.1:8082": "http://127.0.0.1:8082/healthz",
		"8083":           "http://localhost:8083/healthz",
	}
	for addr, want := range tests {
		assert.Equal(t, want, healthURL(addr), addr)
	}
}
