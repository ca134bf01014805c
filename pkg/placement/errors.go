package placement

import (
	"errors"
	"net/http"

	"github.com/jeniawhite/noobaa-core/pkg/natsutil"
)

func remoteCode(err error) int {
	var remote *natsutil.RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	return 0
}

// IsInsufficientNodes reports whether the tier had too few live nodes. The
// caller may retry later or fall back to another tier.
func IsInsufficientNodes(err error) bool {
	return remoteCode(err) == http.StatusConflict
}

// IsInvalid reports whether the service rejected the chunk or policy as
// malformed.
func IsInvalid(err error) bool {
	code := remoteCode(err)
	return code == http.StatusBadRequest || code == http.StatusUnprocessableEntity
}
