package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnnotationPrice_Buckets(t *testing.T) {
	tests := []struct {
		items int
		want  int
	}{
		{0, 0},
		{-3, 0},
		{1, 10},
		{5, 10},
		{6, 18},
		{10, 18},
		{11, 30},
		{20, 30},
		{21, 50},
		{100, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AnnotationPrice(tt.items), "items=%d", tt.items)
	}
}

func TestJobPrice(t *testing.T) {
	assert.Equal(t, 0, JobPrice(0))
	assert.Equal(t, SelectionPrice+10, JobPrice(5))
	assert.Equal(t, SelectionPrice+50, JobPrice(40))
}
