// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/canonical/tenant-directory/internal/logging"
)

var errRequestFailed = errors.New("request failed")

// TransactionMiddleware scopes every mutating request to one transaction,
// committed only when the handler answers with a status below 400.
// The answer is held back until the transaction settled, a failed commit answers 500.
func TransactionMiddleware(db DBClientInterface, logger logging.LoggerInterface) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			body := new(bytes.Buffer)
			status := http.StatusOK

			err := db.WithTx(r.Context(), func(ctx context.Context) error {
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
				ww.Tee(body)
				ww.Discard()

				next.ServeHTTP(ww, r.WithContext(ctx))

				// handlers that never call WriteHeader answer 200
				if ww.Status() != 0 {
					status = ww.Status()
				}

				if status >= http.StatusBadRequest {
					return fmt.Errorf("%w with status %d", errRequestFailed, status)
				}

				return nil
			})

			if err != nil && !errors.Is(err, errRequestFailed) {
				logger.Errorf("request transaction not committed, %d answer dropped: %v", status, err)
				writeCommitFailure(w)
				return
			}

			w.WriteHeader(status)
			if _, err := w.Write(body.Bytes()); err != nil {
				logger.Errorf("failed to write response: %v", err)
			}
		})
	}
}

func writeCommitFailure(w http.ResponseWriter) {
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)

	_ = json.NewEncoder(w).Encode(struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	}{http.StatusInternalServerError, "the change could not be saved"})
}
