package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectCardBrand(t *testing.T) {
	tests := []struct {
		number string
		want   string
	}{
		{"4242424242424242", BrandVisa},
		{"4000 0000 0000 0002", BrandVisa},
		{"5105105105105100", BrandMastercard},
		{"5555555555554444", BrandMastercard},
		{"5605105105105100", BrandUnknown},
		{"5005105105105100", BrandUnknown},
		{"378282246310005", BrandAmex},
		{"341111111111111", BrandAmex},
		{"6011111111111117", BrandDiscover},
		{"3530111333300000", BrandUnknown},
		{"", BrandUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectCardBrand(tt.number))
		})
	}
}

func TestLast4(t *testing.T) {
	assert.Equal(t, "4242", Last4("4242 4242 4242 4242"))
	assert.Equal(t, "123", Last4("123"))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusCompleted))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))
	assert.True(t, CanTransition(StatusCompleted, StatusRefunded))
	assert.False(t, CanTransition(StatusFailed, StatusRefunded))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusRefunded, StatusCompleted))
}
