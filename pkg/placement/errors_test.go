package placement

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/jeniawhite/noobaa-core/pkg/natsutil"
)

func TestErrorClassification(t *testing.T) {
	remote := func(code int) error {
		return fmt.Errorf("placement: %w", &natsutil.RemoteError{Subject: "placement.map", Message: "x", Code: code})
	}
	tests := []struct {
		err          error
		insufficient bool
		invalid      bool
	}{
		{remote(http.StatusConflict), true, false},
		{remote(http.StatusBadRequest), false, true},
		{remote(http.StatusUnprocessableEntity), false, true},
		{remote(http.StatusInternalServerError), false, false},
		{fmt.Errorf("connection timeout"), false, false},
		{nil, false, false},
	}
	for _, tt := range tests {
		if got := IsInsufficientNodes(tt.err); got != tt.insufficient {
			t.Errorf("IsInsufficientNodes(%v) = %v", tt.err, got)
		}
		if got := IsInvalid(tt.err); got != tt.invalid {
			t.Errorf("IsInvalid(%v) = %v", tt.err, got)
		}
	}
}
