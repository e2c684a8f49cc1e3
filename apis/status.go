// Copyright 2021-2022 The pubsubharness Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pubsubharness/common"
	"github.com/alwitt/pubsubharness/scenario"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// StatusSource provides the state of a running scenario
type StatusSource interface {
	// Ready whether at least one worker is subscribed
	Ready() bool
	// Status point in time view of the run
	Status() scenario.HarnessStatus
}

// APIRestStatusHandler REST handler for scenario status
type APIRestStatusHandler struct {
	goutils.RestAPIHandler
	source StatusSource
}

// GetAPIRestStatusHandler define APIRestStatusHandler
func GetAPIRestStatusHandler(
	source StatusSource, httpConfig *common.HTTPConfig,
) (APIRestStatusHandler, error) {
	if source == nil {
		return APIRestStatusHandler{}, fmt.Errorf("status handler requires a status source")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "scenario-status",
	}
	return APIRestStatusHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		}, source: source,
	}, nil
}

// Write logging support
func (h APIRestStatusHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Scenario State

// -----------------------------------------------------------------------

// APIRestRespReceipts response for the receipt counters
type APIRestRespReceipts struct {
	goutils.RestAPIBaseResponse
	// Receipts the receipt counters, indexed [receiver][sender]
	Receipts scenario.ReceiptSnapshot `json:"receipts"`
}

// GetReceipts godoc
// @Summary Query the receipt counters
// @Description Query how many messages each worker received from each other worker
// @tags Status
// @Produce json
// @Param Pubsubharness-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespReceipts "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/receipts [get]
func (h APIRestStatusHandler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespReceipts{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Receipts: h.source.Status().Receipts,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetReceiptsHandler Wrapper around GetReceipts
func (h APIRestStatusHandler) GetReceiptsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetReceipts(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespAllWorkers response for listing all workers
type APIRestRespAllWorkers struct {
	goutils.RestAPIBaseResponse
	// Instance is the harness run name
	Instance string `json:"instance"`
	// Workers the worker states, indexed by ordinal
	Workers []scenario.WorkerStatus `json:"workers"`
}

// GetAllWorkers godoc
// @Summary Query all workers
// @Description Query the lifecycle state and publish counts of every worker
// @tags Status
// @Produce json
// @Param Pubsubharness-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllWorkers "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/worker [get]
func (h APIRestStatusHandler) GetAllWorkers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	status := h.source.Status()
	resp := APIRestRespAllWorkers{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Instance: status.Instance, Workers: status.Workers,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllWorkersHandler Wrapper around GetAllWorkers
func (h APIRestStatusHandler) GetAllWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllWorkers(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOneWorker response for one worker
type APIRestRespOneWorker struct {
	goutils.RestAPIBaseResponse
	// Worker the worker state
	Worker scenario.WorkerStatus `json:"worker"`
	// Received the messages this worker received, indexed by sender
	Received []uint64 `json:"received"`
}

// GetWorker godoc
// @Summary Query one worker
// @Description Query the lifecycle state and receipts of one worker
// @tags Status
// @Produce json
// @Param Pubsubharness-Request-ID header string false "User provided request ID to match against logs"
// @Param ordinal path int true "Worker ordinal"
// @Success 200 {object} APIRestRespOneWorker "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/worker/{ordinal} [get]
func (h APIRestStatusHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var response interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	ordinal, err := strconv.Atoi(vars["ordinal"])
	if err != nil {
		msg := "worker ordinal is not an integer"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	status := h.source.Status()
	if ordinal < 0 || ordinal >= len(status.Workers) {
		msg := fmt.Sprintf("no worker with ordinal %d", ordinal)
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, "")
		return
	}

	var received []uint64
	if ordinal < len(status.Receipts.Counts) {
		received = status.Receipts.Counts[ordinal]
	}
	respCode = http.StatusOK
	response = APIRestRespOneWorker{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Worker: status.Workers[ordinal], Received: received,
	}
}

// GetWorkerHandler Wrapper around GetWorker
func (h APIRestStatusHandler) GetWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetWorker(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For status REST API liveness check
// @Description Will return success to indicate the status REST API module is live
// @tags Status
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestStatusHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestStatusHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For status REST API readiness check
// @Description Will return success once at least one worker is subscribed
// @tags Status
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestStatusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respCode := http.StatusOK
	var respBody interface{} = h.GetStdRESTSuccessMsg(r.Context())
	if !h.source.Ready() {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", "no worker is subscribed",
		)
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestStatusHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// RegisterRoutes install the status routes under pathPrefix
func (h APIRestStatusHandler) RegisterRoutes(router *mux.Router, pathPrefix string) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	_ = RegisterPathPrefix(mainRouter, "/v1/receipts", MethodHandlers{
		"get": h.GetReceiptsHandler(),
	})
	workerRouter := RegisterPathPrefix(mainRouter, "/v1/worker", MethodHandlers{
		"get": h.GetAllWorkersHandler(),
	})
	_ = RegisterPathPrefix(workerRouter, "/{ordinal}", MethodHandlers{
		"get": h.GetWorkerHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	return mainRouter
}
