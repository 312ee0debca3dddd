package creator

import "github.com/t77yq/activity-orchestrator/internal/processor"

// ErrUnregisteredType is returned when creating an activity no processor handles
var ErrUnregisteredType = processor.ErrUnregisteredType
