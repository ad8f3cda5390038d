package limits

import (
	"errors"
	"testing"
	"time"
)

// TestMaxFramedMessageMatchesHeader verifies that MaxFramedMessage is the largest
// value a FramingHeaderSize prefix can carry
func TestMaxFramedMessageMatchesHeader(t *testing.T) {
	if MaxFramedMessage != 65535 {
		t.Errorf("MaxFramedMessage = %d, want 65535", MaxFramedMessage)
	}
}

// TestAudioFrameIsOneTick verifies that one frame of samples lasts one tick
func TestAudioFrameIsOneTick(t *testing.T) {
	d := time.Duration(AudioFrameSamples) * time.Second / time.Duration(AudioSampleRate)
	if d != AudioTickInterval {
		t.Errorf("frame duration = %v, want %v", d, AudioTickInterval)
	}
}

func TestValidateDatagram(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrMessageEmpty},
		{"one byte", 1, nil},
		{"at limit", MaxDatagramSize, nil},
		{"over limit", MaxDatagramSize + 1, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDatagram(make([]byte, tt.size), MaxDatagramSize)
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFramedPayload(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"empty is valid", 0, false},
		{"small", 10, false},
		{"at limit", MaxFramedMessage, false},
		{"over limit", MaxFramedMessage + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFramedPayload(make([]byte, tt.size))
			if tt.wantErr {
				if !errors.Is(err, ErrMessageTooLarge) {
					t.Errorf("error = %v, want ErrMessageTooLarge", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateMessageSize(t *testing.T) {
	if err := ValidateMessageSize(nil, 10); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("nil message: error = %v, want ErrMessageEmpty", err)
	}
	if err := ValidateMessageSize(make([]byte, 11), 10); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized message: error = %v, want ErrMessageTooLarge", err)
	}
	if err := ValidateMessageSize(make([]byte, 10), 10); err != nil {
		t.Errorf("message at limit: unexpected error %v", err)
	}
}

func TestValidateDatagramSize(t *testing.T) {
	if err := ValidateDatagramSize(MaxDatagramSize); err != nil {
		t.Errorf("default size rejected: %v", err)
	}
	if err := ValidateDatagramSize(MinDatagramSize - 1); err == nil {
		t.Error("expected error for size below minimum")
	}
	if err := ValidateDatagramSize(MaxDatagramSize + 1); err == nil {
		t.Error("expected error for size above maximum")
	}
}
