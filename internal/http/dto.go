package httpapi

import (
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/models"
)

// Request bodies are validated with go-playground/validator before any
// coordinator call; the coordinator re-checks the domain rules it owns.

type createRequestBody struct {
	Category string  `json:"category" validate:"required,min=1,max=64"`
	Lat      float64 `json:"lat" validate:"latitude"`
	Lng      float64 `json:"lng" validate:"longitude"`
	RadiusM  float64 `json:"radius_m" validate:"omitempty,gt=0"`
	Detail   string  `json:"detail" validate:"max=2000"`
}

type respondBody struct {
	Action string `json:"action" validate:"required,oneof=accept reject"`
}

type transitionBody struct {
	Action string `json:"action" validate:"required,oneof=arriving in_progress completed cancelled"`
}

type availabilityBody struct {
	Online bool `json:"online"`
}

type positionBody struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

type providerLocationBody struct {
	Category string  `json:"category" validate:"required,min=1,max=64"`
	Lat      float64 `json:"lat" validate:"latitude"`
	Lng      float64 `json:"lng" validate:"longitude"`
}

type requestResponse struct {
	Success bool                   `json:"success"`
	Request *models.ServiceRequest `json:"request"`
}

type createResponse struct {
	Success bool `json:"success"`
	*dispatch.CreateResult
}

type locationResponse struct {
	Found    bool                 `json:"found"`
	Location *models.LiveLocation `json:"location,omitempty"`
}
