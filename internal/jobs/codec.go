package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/geocoder89/schoolhub/internal/domain/job"
)

func EncodePayload(t JobType, payload any) ([]byte, error) {
	if err := ValidatePayload(t, payload); err != nil {
		return nil, err
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobPayload, err)
	}

	return b, nil
}

// DecodePayload unmarshals j.Payload into the typed payload for its type.
func DecodePayload(j job.Job) (DeliveryPayload, error) {
	t := JobType(j.Type)
	if !t.IsValid() {
		return DeliveryPayload{}, ErrInvalidJobType
	}
	if len(j.Payload) == 0 {
		return DeliveryPayload{}, ErrInvalidJobPayload
	}

	var p DeliveryPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return DeliveryPayload{}, fmt.Errorf("%w: %v", ErrInvalidJobPayload, err)
	}
	if err := ValidatePayload(t, p); err != nil {
		return DeliveryPayload{}, err
	}
	return p, nil
}
