package runtime

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/mailwatch/internal/gmail"
	ps "github.com/joshsymonds/mailwatch/internal/pubsub"
)

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func mapGmailError(err error) error {
	if statusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %w", gc.ErrNotFound, err)
	}
	return err
}

func mapPubSubError(err error) error {
	switch statusCode(err) {
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", ps.ErrAlreadyExists, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ps.ErrNotFound, err)
	default:
		return err
	}
}
