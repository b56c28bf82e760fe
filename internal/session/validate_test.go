package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTargetURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr string
	}{
		{name: "https", raw: "https://example.com/a?b=c", want: "https://example.com/a?b=c"},
		{name: "http with port", raw: "http://example.com:8080/", want: "http://example.com:8080/"},
		{name: "trimmed", raw: "  https://example.com  ", want: "https://example.com"},
		{name: "empty", raw: "   ", wantErr: "url is required"},
		{name: "no scheme", raw: "example.com/page", wantErr: "absolute"},
		{name: "ftp", raw: "ftp://example.com", wantErr: "scheme"},
		{name: "file", raw: "file:///etc/passwd", wantErr: "absolute"},
		{name: "data", raw: "data:text/html,hi", wantErr: "absolute"},
		{name: "garbage host", raw: "http://exa mple.com", wantErr: "url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateTargetURL(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				assert.Contains(t, err.(*Error).PublicMessage(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
