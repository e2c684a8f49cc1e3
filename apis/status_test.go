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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pubsubharness/common"
	"github.com/alwitt/pubsubharness/scenario"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type fakeStatusSource struct {
	ready  bool
	status scenario.HarnessStatus
}

func (s *fakeStatusSource) Ready() bool {
	return s.ready
}

func (s *fakeStatusSource) Status() scenario.HarnessStatus {
	return s.status
}

func TestStatusAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := &fakeStatusSource{
		status: scenario.HarnessStatus{
			Instance: "ut-api-status",
			Realm:    "default",
			Topic:    "unit.test.topic",
			Workers: []scenario.WorkerStatus{
				{Ordinal: 0, Role: "publisher", State: "publishing", Published: 4},
				{Ordinal: 1, Role: "subscriber", State: "subscribed"},
			},
			Receipts: scenario.ReceiptSnapshot{
				Seed: 1, Counts: [][]uint64{{1, 1}, {5, 1}}, Delivered: 4,
			},
		},
	}

	_, err := GetAPIRestStatusHandler(nil, &common.HTTPConfig{})
	assert.NotNil(err)

	uut, err := GetAPIRestStatusHandler(source, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Pubsubharness-Request-ID"},
	})
	assert.Nil(err)

	router := mux.NewRouter()
	uut.RegisterRoutes(router, "/")

	call := func(path string) *httptest.ResponseRecorder {
		req, err := http.NewRequest("GET", path, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: alive
	{
		resp := call("/alive")
		assert.Equal(http.StatusOK, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
	}

	// Case 1: not ready before any worker subscribes
	{
		resp := call("/ready")
		assert.Equal(http.StatusInternalServerError, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}

	// Case 2: ready
	{
		source.ready = true
		resp := call("/ready")
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 3: receipts
	{
		resp := call("/v1/receipts")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespReceipts
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(uint64(1), msg.Receipts.Seed)
		assert.Equal([][]uint64{{1, 1}, {5, 1}}, msg.Receipts.Counts)
		assert.Equal(uint64(4), msg.Receipts.Delivered)
	}

	// Case 4: all workers
	{
		resp := call("/v1/worker")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespAllWorkers
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal("ut-api-status", msg.Instance)
		assert.Len(msg.Workers, 2)
		assert.Equal("publishing", msg.Workers[0].State)
		assert.Equal(uint64(4), msg.Workers[0].Published)
	}

	// Case 5: one worker
	{
		resp := call("/v1/worker/1")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespOneWorker
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal("subscriber", msg.Worker.Role)
		assert.Equal([]uint64{5, 1}, msg.Received)
	}

	// Case 6: unknown worker
	{
		resp := call("/v1/worker/7")
		assert.Equal(http.StatusNotFound, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}

	// Case 7: ordinal not a number
	{
		resp := call("/v1/worker/abc")
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
}
