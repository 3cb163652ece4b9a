package simplydash

import "github.com/google/uuid"

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func newEventID() string { return "evt_" + uuid.NewString() }
