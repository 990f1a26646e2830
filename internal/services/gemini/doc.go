// Package gemini implements imagegen.Generator over the Gemini
// generateContent REST endpoint with image output.
//
// The client performs exactly one HTTP request per Generate call. Rate limits
// (429), request timeouts (408), server errors (5xx), network timeouts and
// responses without image parts are marked services.ErrTransient or
// services.ErrTimeout so the stage runner's bounded retry can take over.
// Authentication failures are configuration errors; other 4xx responses are
// external tool errors and are not retried.
package gemini
