package pnr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		want    LookupKey
		wantErr bool
	}{
		{"ten digits", "1234567890", "1234567890", false},
		{"surrounding whitespace", "  1234567890\n", "1234567890", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"too short", "123456789", "", true},
		{"too long", "12345678901", "", true},
		{"letters", "12345abcde", "", true},
		{"sign", "-123456789", "", true},
		{"unicode digits", "١٢٣٤٥٦٧٨٩٠", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateKey(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidKey))
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
				require.Empty(t, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseKeysSplitsRejected(t *testing.T) {
	t.Parallel()

	keys, rejected := ParseKeys([]string{"1234567890", "bad", "0987654321"})
	require.Equal(t, []LookupKey{"1234567890", "0987654321"}, keys)
	require.Len(t, rejected, 1)
	require.Equal(t, LookupKey("bad"), rejected[0].Key)
	require.Equal(t, KindValidation, rejected[0].Kind)
}

func TestStatusResultRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, StatusResult{}.Retryable())
	require.True(t, FailedResult("1234567890", KindNetwork, "timeout", time.Time{}).Retryable())
	require.True(t, FailedResult("1234567890", KindHTTPServer, "502", time.Time{}).Retryable())
	require.False(t, FailedResult("1234567890", KindHTTPClient, "404", time.Time{}).Retryable())
	require.False(t, FailedResult("1234567890", KindParse, "bad body", time.Time{}).Retryable())
	require.False(t, FailedResult("1234567890", KindValidation, "bad key", time.Time{}).Retryable())
}

func FuzzValidateKey(f *testing.F) {
	for _, seed := range []string{"1234567890", "", "abc", "12345678901"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		key, err := ValidateKey(raw)
		if err == nil && len(key) != KeyLength {
			t.Errorf("ValidateKey(%q) accepted key of length %d", raw, len(key))
		}
	})
}
