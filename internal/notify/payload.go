package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mailcroc/mailcroc/internal/router"
)

// ErrInvalidPayload is returned for notify bodies that are not a JSON object
// with a "to" array of strings.
var ErrInvalidPayload = errors.New("invalid notify payload")

// Decode validates a notify body and returns its recipients. The body must be
// a JSON object whose "to" member is an array of strings; every other member
// is opaque.
func Decode(body []byte) ([]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	rawTo, ok := fields["to"]
	if !ok {
		return nil, fmt.Errorf("%w: missing to", ErrInvalidPayload)
	}

	var to any
	if err := json.Unmarshal(rawTo, &to); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, isArray := to.([]any); !isArray {
		return nil, fmt.Errorf("%w: to must be an array", ErrInvalidPayload)
	}

	recipients, err := router.Recipients(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return recipients, nil
}
