package main

import (
	"net/http"

	"github.com/google/uuid"
)

// HeaderCorrelationID ties a request to every log line and upstream call
// it produces. Minted here when the client did not send one.
const HeaderCorrelationID = "X-Correlation-ID"

func ensureCorrelationID(r *http.Request) string {
	id := r.Header.Get(HeaderCorrelationID)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(HeaderCorrelationID, id)
	}
	return id
}
