// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"net/http"

	"github.com/tombee/workflowengine/internal/httputil"
	wferrors "github.com/tombee/workflowengine/pkg/errors"
)

// writeEngineError maps an engine error to the HTTP 4xx/5xx shape spec.md §7
// calls for: not-found is 404, illegal-transition is 409, validation is 400,
// and anything else is a 500. Every body carries err.Error() as its message.
func writeEngineError(w http.ResponseWriter, err error) {
	var notFound *wferrors.NotFoundError
	if errors.As(err, &notFound) {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	var illegal *wferrors.IllegalTransitionError
	if errors.As(err, &illegal) {
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}

	var validation *wferrors.ValidationError
	if errors.As(err, &validation) {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	httputil.WriteError(w, http.StatusInternalServerError, err.Error())
}
