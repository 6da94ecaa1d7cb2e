package bus

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/specto/internal/interfaces"
)

var validate = validator.New()

// Decode unmarshals a delivery body into out and validates it against
// the struct's validate tags. Failures are non-retryable: a payload
// that does not parse today will not parse on redelivery either.
func Decode(delivery interfaces.Delivery, out interface{}) error {
	if err := json.Unmarshal(delivery.Body, out); err != nil {
		return NonRetryable(fmt.Errorf("failed to decode %s payload: %w", delivery.Topic, err))
	}
	if err := validate.Struct(out); err != nil {
		return NonRetryable(fmt.Errorf("invalid %s payload: %w", delivery.Topic, err))
	}
	return nil
}
