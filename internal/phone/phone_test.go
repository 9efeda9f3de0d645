package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantJID string
		wantErr error
	}{
		{
			name:    "local number with trunk prefix",
			input:   "08123456789",
			wantJID: "628123456789@s.whatsapp.net",
		},
		{
			name:    "local number 12 digits",
			input:   "081234567890",
			wantJID: "6281234567890@s.whatsapp.net",
		},
		{
			name:    "bare subscriber number",
			input:   "8123456789",
			wantJID: "628123456789@s.whatsapp.net",
		},
		{
			name:    "already has country code",
			input:   "628123456789",
			wantJID: "628123456789@s.whatsapp.net",
		},
		{
			name:    "formatted input with separators",
			input:   "+62 812-3456-789",
			wantJID: "628123456789@s.whatsapp.net",
		},
		{
			name:    "already canonical JID",
			input:   "628123456789@s.whatsapp.net",
			wantJID: "628123456789@s.whatsapp.net",
		},
		{
			name:    "assumed indonesian number",
			input:   "712345678",
			wantJID: "62712345678@s.whatsapp.net",
		},
		{
			name:    "international number stays untouched",
			input:   "49123456789012",
			wantJID: "49123456789012@s.whatsapp.net",
		},
		{
			name:    "too short",
			input:   "6277",
			wantErr: ErrInvalidLength,
		},
		{
			name:    "too long",
			input:   "62812345678901234567890",
			wantErr: ErrInvalidLength,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "wrong suffix",
			input:   "628123456789@g.us",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "JID with non-digit local part",
			input:   "62812abc6789@s.whatsapp.net",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "JID local part too short",
			input:   "628123456@s.whatsapp.net",
			wantErr: ErrInvalidLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantJID, got.JID)
			assert.Equal(t, tt.input, got.Original)
		})
	}
}

func TestNormalize_TrunkPrefixRewrite(t *testing.T) {
	// Country code plus the number minus its trunk digit.
	inputs := []string{"0812345678", "08123456789", "081234567890", "0812345678901"}
	for _, input := range inputs {
		got, err := Normalize(input)
		require.NoError(t, err, input)
		assert.Equal(t, "62"+input[1:], got.Digits, input)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	first, err := Normalize("08123456789")
	require.NoError(t, err)

	second, err := Normalize(first.Digits)
	require.NoError(t, err)
	assert.Equal(t, first.JID, second.JID)

	third, err := Normalize(first.JID)
	require.NoError(t, err)
	assert.Equal(t, first.JID, third.JID)
}

func TestNormalize_LongBareSubscriberNumber(t *testing.T) {
	// 13 digits starting with 8 is too long for the subscriber rule and is
	// treated as an international number instead.
	got, err := Normalize("8123456789012")
	require.NoError(t, err)
	assert.Equal(t, "8123456789012@s.whatsapp.net", got.JID)
}
