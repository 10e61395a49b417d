// Package webapi exposes the HTTP surface of fieldserve: catalogue
// duplication, the Google Maps proxy endpoints, and order intake.
//
// Every handler sets an open cross-origin header and always replies with
// a 2xx status; success and failure are encoded in the payload as
// {stat: ...} / {err: ...} envelopes, so callers must inspect the body.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"fieldserve/cloner"
	"fieldserve/dblayer"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

const catalogueNotFoundMessage = "No Catalog found with the id provided"

type catalogueCloner interface {
	Clone(ctx context.Context, id string) (*cloner.Result, error)
}

type WebAPI struct {
	cloner     catalogueCloner
	httpClient *http.Client
	mapsBase   string
	mapsAPIKey string
}

type Opt func(*WebAPI)

// WithMapsBaseURL overrides the upstream maps endpoint; used by tests.
func WithMapsBaseURL(base string) Opt {
	return func(a *WebAPI) {
		a.mapsBase = base
	}
}

func New(catalogueCloner catalogueCloner, httpClient *http.Client, mapsAPIKey string, opts ...Opt) *WebAPI {
	api := &WebAPI{
		cloner:     catalogueCloner,
		httpClient: httpClient,
		mapsBase:   "https://maps.googleapis.com",
		mapsAPIKey: mapsAPIKey,
	}

	for _, opt := range opts {
		opt(api)
	}

	return api
}

func (a *WebAPI) Register(m *http.ServeMux) {
	m.HandleFunc("/duplicateServiceCatalogue", a.duplicateServiceCatalogueHandler)
	m.HandleFunc("/getAreaOnSearch", a.getAreaOnSearchHandler)
	m.HandleFunc("/getAreaDetailByPlaceId", a.getAreaDetailByPlaceIDHandler)
	m.HandleFunc("/getAreaDetailByLatLng", a.getAreaDetailByLatLngHandler)
	m.HandleFunc("/createOrder", a.createOrderHandler)
}

type errEnvelope struct {
	Err string `json:"err"`
}

type duplicateResponse struct {
	Stat           string `json:"stat"`
	NewCatalogueID string `json:"newCatalogueId"`
	Created        int64  `json:"created"`
	Failed         int    `json:"failed"`
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	body, err := json.Marshal(payload)
	if err != nil {
		glog.Errorf("Error while marshaling response: %v", err)
		return
	}
	w.Write(body)
}

// duplicateServiceCatalogueHandler deep-copies the catalogue named by the
// id query parameter.  A missing source is a normal response carrying an
// error field, not a protocol-level failure.
func (a *WebAPI) duplicateServiceCatalogueHandler(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	id := r.URL.Query().Get("id")

	result, err := a.cloner.Clone(r.Context(), id)
	if errors.Is(err, dblayer.ErrCatalogueNotFound) {
		writeJSON(w, errEnvelope{Err: catalogueNotFoundMessage})
		return
	}
	if err != nil {
		glog.Errorf("Error while duplicating catalogue %q: %v", id, err)
		writeJSON(w, errEnvelope{Err: "Failed to duplicate catalogue"})
		return
	}

	writeJSON(w, duplicateResponse{
		Stat:           "Success",
		NewCatalogueID: result.NewCatalogueID,
		Created:        result.CreatedCount(),
		Failed:         len(result.Failures()),
	})
}

// proxyMaps pipes one upstream maps API response through unchanged, with
// the API key appended server-side.
func (a *WebAPI) proxyMaps(w http.ResponseWriter, r *http.Request, path string, query url.Values) {
	setCORS(w)

	query.Set("key", a.mapsAPIKey)
	upstreamURL := fmt.Sprintf("%s%s?%s", a.mapsBase, path, query.Encode())

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		glog.Errorf("Error while building upstream request: %v", err)
		writeJSON(w, errEnvelope{Err: "Failed to query maps API"})
		return
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		glog.Errorf("Error while querying maps API: %v", err)
		writeJSON(w, errEnvelope{Err: "Failed to query maps API"})
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if _, err := io.Copy(w, resp.Body); err != nil {
		// It's too late to write an error to the HTTP response.
		glog.Errorf("Error while writing output: %v", err)
		return
	}
}

func (a *WebAPI) getAreaOnSearchHandler(w http.ResponseWriter, r *http.Request) {
	query := url.Values{}
	query.Set("query", r.URL.Query().Get("searchInput"))
	a.proxyMaps(w, r, "/maps/api/place/textsearch/json", query)
}

func (a *WebAPI) getAreaDetailByPlaceIDHandler(w http.ResponseWriter, r *http.Request) {
	query := url.Values{}
	query.Set("place_id", r.URL.Query().Get("placeId"))
	a.proxyMaps(w, r, "/maps/api/place/details/json", query)
}

func (a *WebAPI) getAreaDetailByLatLngHandler(w http.ResponseWriter, r *http.Request) {
	query := url.Values{}
	query.Set("latlng", fmt.Sprintf("%s,%s", r.URL.Query().Get("lat"), r.URL.Query().Get("lng")))
	a.proxyMaps(w, r, "/maps/api/geocode/json", query)
}

// createOrderHandler acknowledges an order payload.  Persistence is
// handled by the mobile clients against the store directly; this endpoint
// assigns an order ID when the payload lacks one and echoes the payload
// back.
func (a *WebAPI) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		glog.Errorf("Error while reading order body: %v", err)
		writeJSON(w, errEnvelope{Err: "Failed to read order"})
		return
	}

	order := map[string]interface{}{}
	if err := json.Unmarshal(body, &order); err != nil {
		writeJSON(w, errEnvelope{Err: "Order must be a JSON object"})
		return
	}

	if orderID, ok := order["orderId"].(string); !ok || orderID == "" {
		order["orderId"] = uuid.New().String()
	}

	writeJSON(w, order)
}
