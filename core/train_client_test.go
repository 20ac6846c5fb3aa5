package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToKST(t *testing.T) {
	// 2025-03-01T00:30:00Z is 09:30:00 in Seoul.
	const epoch = 1740789000
	assert.Equal(t, "09:30:00", toKST(json.Number(fmt.Sprint(epoch))))
	assert.Equal(t, "09:30:00", toKST(float64(epoch)))
	assert.Equal(t, "09:30:00", toKST(fmt.Sprint(epoch)))
	assert.Nil(t, toKST(nil))
	assert.Nil(t, toKST("soon"))
}

func TestTrainLookupConvertsStopTimes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Auth-Token"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"trainNo": "101", "driveDate": "20250301"}, body)
		fmt.Fprint(w, `{"result":200,"data":{"info":{"trainNo":"101"},"schedule":[
			{"stationName":"서울","scheduledDepartureTime":1740789000,"actualDepartureTime":null},
			{"stationName":"대전","scheduledArrivalTime":1740792600}
		]}}`)
	}))
	t.Cleanup(srv.Close)

	res, err := NewHTTPTrainClient(srv.URL, "tok").Lookup(context.Background(), "101", "20250301")
	require.NoError(t, err)
	assert.True(t, res.Found)
	require.Len(t, res.Schedule, 2)
	assert.Equal(t, "09:30:00", res.Schedule[0]["scheduledDepartureTime"])
	assert.Nil(t, res.Schedule[0]["actualDepartureTime"])
	assert.Equal(t, "10:30:00", res.Schedule[1]["scheduledArrivalTime"])
	assert.JSONEq(t, `{"trainNo":"101"}`, string(res.Info))
}

func TestTrainLookupNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":404,"message":"no such train"}`)
	}))
	t.Cleanup(srv.Close)

	res, err := NewHTTPTrainClient(srv.URL, "tok").Lookup(context.Background(), "9", "20250301")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, "no such train", res.Message)
}

func TestTrainLookupInvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPTrainClient(srv.URL, "bad").Lookup(context.Background(), "9", "20250301")
	assert.ErrorIs(t, err, ErrTrainTokenInvalid)
}
