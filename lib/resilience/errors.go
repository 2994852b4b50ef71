package resilience

import apperrors "github.com/songyanbo/http-client/lib/errors"

// ErrCircuitOpen is returned when a request is rejected because the circuit is open.
var ErrCircuitOpen = apperrors.ErrCircuitOpen
