// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package distribution

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message})
}

var errSignatureMismatch = errors.New("distribution: signature mismatch")

// readSigned reads the full request body, verifies it against the
// SignatureHeader when signer is non-nil, and decodes it as JSON into v.
func readSigned(r *http.Request, signer *Signer, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if signer != nil {
		if !signer.Verify(body, r.Header.Get(SignatureHeader)) {
			return errSignatureMismatch
		}
	}
	return json.Unmarshal(body, v)
}
