package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// logOperation records the outcome of one lifecycle operation.
func logOperation(r *http.Request, op string, status int, start time.Time, err error) {
	if zlog != nil {
		z := zlog.Info().Str("op", op).Int("status", status).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("op end")
		return
	}
	if err != nil {
		log.Printf("%s end status=%d dur=%s err=%v", op, status, time.Since(start), err)
		return
	}
	log.Printf("%s end status=%d dur=%s", op, status, time.Since(start))
}
