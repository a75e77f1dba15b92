package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractHostPort(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://ch.internal", "ch.internal:9000"},
		{"https://ch.internal", "ch.internal:9440"},
		{"clickhouse://ch.internal:9001/", "ch.internal:9001"},
		{"ch.internal:9000", "ch.internal:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, extractHostPort(tt.url))
		})
	}

	assert.Equal(t, "ch.internal", extractHostname("https://ch.internal:9440"))
}
