// Package crmtest runs an in-memory CRM behind httptest for client, worker
// and cleanup tests.
package crmtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"crmsync/internal/platform/config"
)

type failure struct {
	status int
	body   string
	times  int
}

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	nextID     int64
	Deals      map[int64]map[string]interface{}
	Contacts   map[int64]map[string]interface{}
	Leads      map[int64]map[string]interface{}
	Categories map[int64]string
	Stages     map[int64][]map[string]interface{}
	DiskFiles  map[int64]string
	UserFields map[string]map[string]bool
	Calls      map[string]int
	failures   map[string]*failure
	clock      time.Time
}

func NewServer(t testing.TB) *Server {
	s := &Server{
		nextID:     100,
		Deals:      make(map[int64]map[string]interface{}),
		Contacts:   make(map[int64]map[string]interface{}),
		Leads:      make(map[int64]map[string]interface{}),
		Categories: make(map[int64]string),
		Stages:     make(map[int64][]map[string]interface{}),
		DiskFiles:  make(map[int64]string),
		UserFields: map[string]map[string]bool{"deal": {}, "contact": {}},
		Calls:      make(map[string]int),
		failures:   make(map[string]*failure),
		clock:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Config returns a CRM config pointing at the fake server.
func (s *Server) Config() config.CRMConfig {
	return config.CRMConfig{
		Enabled:        true,
		WebhookURL:     s.URL + "/rest/1/token/",
		Timeout:        2 * time.Second,
		Currency:       "RUB",
		FunnelName:     "MaaS",
		QuantityField:  "UF_CRM_QUANTITY",
		FileField:      "UF_CRM_MODEL_FILE",
		DocumentsField: "UF_CRM_DOCUMENTS",
		DiskFolderID:   "1",
	}
}

// Fail makes the next n calls of method answer with status and body.
func (s *Server) Fail(method string, status int, body string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = &failure{status: status, body: body, times: n}
}

// PutDeal stores a deal under a fixed id.
func (s *Server) PutDeal(id int64, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putDealLocked(id, fields)
}

func (s *Server) putDealLocked(id int64, fields map[string]interface{}) {
	deal := map[string]interface{}{"ID": strconv.FormatInt(id, 10)}
	for k, v := range fields {
		deal[k] = v
	}
	if _, ok := deal["DATE_CREATE"]; !ok {
		s.clock = s.clock.Add(time.Minute)
		deal["DATE_CREATE"] = s.clock.Format(time.RFC3339)
	}
	s.Deals[id] = deal
}

// PutCategory stores a category with stages (STATUS_ID, NAME, SORT).
func (s *Server) PutCategory(id int64, name string, stages []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Categories[id] = name
	s.Stages[id] = stages
}

func (s *Server) Deal(id int64) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Deals[id]
	return d, ok
}

// PutContact stores a contact under a fixed id.
func (s *Server) PutContact(id int64, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Contacts[id] = fields
}

func (s *Server) Contact(id int64) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Contacts[id]
	return c, ok
}

func (s *Server) Lead(id int64) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.Leads[id]
	return l, ok
}

func (s *Server) LeadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Leads)
}

func (s *Server) ContactCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Contacts)
}

// PutUserField registers a user field such as UF_CRM_QUANTITY on entity
// ("deal" or "contact").
func (s *Server) PutUserField(entity, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserFields[entity][name] = true
}

func (s *Server) HasUserField(entity, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UserFields[entity][name]
}

func (s *Server) DiskFileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.DiskFiles)
}

func (s *Server) DealCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Deals)
}

func (s *Server) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[method]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	idx := strings.LastIndex(r.URL.Path, "/")
	method := strings.TrimSuffix(r.URL.Path[idx+1:], ".json")

	var params map[string]interface{}
	json.NewDecoder(r.Body).Decode(&params)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls[method]++

	if f, ok := s.failures[method]; ok && f.times > 0 {
		f.times--
		w.WriteHeader(f.status)
		w.Write([]byte(f.body))
		return
	}

	result, next, status, errBody := s.dispatch(method, params)
	if status != 0 {
		w.WriteHeader(status)
		w.Write([]byte(errBody))
		return
	}
	out := map[string]interface{}{"result": result}
	if next > 0 {
		out["next"] = next
	}
	json.NewEncoder(w).Encode(out)
}

const notFound = `{"error":"","error_description":"Not found"}`

func (s *Server) newID() int64 {
	s.nextID++
	return s.nextID
}

func idParam(params map[string]interface{}) int64 {
	switch v := params["id"].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func fieldsParam(params map[string]interface{}) map[string]interface{} {
	f, _ := params["fields"].(map[string]interface{})
	if f == nil {
		f = map[string]interface{}{}
	}
	return f
}

func (s *Server) dispatch(method string, params map[string]interface{}) (interface{}, int, int, string) {
	switch method {
	case "crm.deal.add":
		id := s.newID()
		s.putDealLocked(id, fieldsParam(params))
		return id, 0, 0, ""
	case "crm.deal.get":
		d, ok := s.Deals[idParam(params)]
		if !ok {
			return nil, 0, http.StatusBadRequest, notFound
		}
		return d, 0, 0, ""
	case "crm.deal.update":
		d, ok := s.Deals[idParam(params)]
		if !ok {
			return nil, 0, http.StatusBadRequest, notFound
		}
		for k, v := range fieldsParam(params) {
			d[k] = v
		}
		return true, 0, 0, ""
	case "crm.deal.delete":
		id := idParam(params)
		if _, ok := s.Deals[id]; !ok {
			return nil, 0, http.StatusBadRequest, notFound
		}
		delete(s.Deals, id)
		return true, 0, 0, ""
	case "crm.deal.list":
		return s.listDeals(params)
	case "crm.contact.add":
		id := s.newID()
		s.Contacts[id] = fieldsParam(params)
		return id, 0, 0, ""
	case "crm.contact.get":
		c, ok := s.Contacts[idParam(params)]
		if !ok {
			return nil, 0, http.StatusBadRequest, notFound
		}
		return c, 0, 0, ""
	case "crm.contact.update":
		c, ok := s.Contacts[idParam(params)]
		if !ok {
			return nil, 0, http.StatusBadRequest, notFound
		}
		for k, v := range fieldsParam(params) {
			c[k] = v
		}
		return true, 0, 0, ""
	case "crm.contact.delete":
		id := idParam(params)
		if _, ok := s.Contacts[id]; !ok {
			return nil, 0, http.StatusBadRequest, notFound
		}
		delete(s.Contacts, id)
		return true, 0, 0, ""
	case "crm.lead.add":
		id := s.newID()
		s.Leads[id] = fieldsParam(params)
		return id, 0, 0, ""
	case "crm.lead.delete":
		id := idParam(params)
		if _, ok := s.Leads[id]; !ok {
			return nil, 0, http.StatusBadRequest, notFound
		}
		delete(s.Leads, id)
		return true, 0, 0, ""
	case "crm.deal.fields", "crm.contact.fields":
		entity := strings.Split(method, ".")[1]
		out := map[string]interface{}{
			"ID":    map[string]interface{}{"type": "integer", "isReadOnly": true},
			"TITLE": map[string]interface{}{"type": "string"},
		}
		for name := range s.UserFields[entity] {
			out[name] = map[string]interface{}{"type": "string", "isDynamic": true}
		}
		return out, 0, 0, ""
	case "crm.deal.userfield.add", "crm.contact.userfield.add":
		entity := strings.Split(method, ".")[1]
		name, _ := fieldsParam(params)["FIELD_NAME"].(string)
		full := "UF_CRM_" + name
		if name == "" || s.UserFields[entity][full] {
			return nil, 0, http.StatusBadRequest, `{"error":"ERROR_CORE","error_description":"Field already exists"}`
		}
		s.UserFields[entity][full] = true
		return s.newID(), 0, 0, ""
	case "crm.dealcategory.list":
		var out []map[string]interface{}
		for id, name := range s.Categories {
			out = append(out, map[string]interface{}{"ID": strconv.FormatInt(id, 10), "NAME": name, "SORT": "100"})
		}
		sort.Slice(out, func(i, j int) bool { return out[i]["ID"].(string) < out[j]["ID"].(string) })
		return out, 0, 0, ""
	case "crm.dealcategory.add":
		fields := fieldsParam(params)
		id := s.newID()
		s.Categories[id] = fmt.Sprint(fields["NAME"])
		var stages []map[string]interface{}
		prefix := fmt.Sprintf("C%d:", id)
		codes := []string{"NEW", "PREPARATION", "WON", "LOSE"}
		specs, _ := fields["STAGES"].([]interface{})
		for i, raw := range specs {
			def, _ := raw.(map[string]interface{})
			code := fmt.Sprintf("UC_%d", i)
			if i < len(codes) {
				code = codes[i]
			}
			stages = append(stages, map[string]interface{}{
				"STATUS_ID": prefix + code,
				"NAME":      def["NAME"],
				"SORT":      fmt.Sprint(def["SORT"]),
				"SEMANTICS": def["SEMANTICS"],
			})
		}
		s.Stages[id] = stages
		return id, 0, 0, ""
	case "crm.status.entity.items":
		entity, _ := params["entityId"].(string)
		var id int64
		if strings.HasPrefix(entity, "DEAL_STAGE_") {
			id, _ = strconv.ParseInt(strings.TrimPrefix(entity, "DEAL_STAGE_"), 10, 64)
		}
		return s.Stages[id], 0, 0, ""
	case "disk.folder.uploadfile":
		id := s.newID()
		data, _ := params["data"].(map[string]interface{})
		s.DiskFiles[id] = fmt.Sprint(data["NAME"])
		return map[string]interface{}{"ID": id, "NAME": data["NAME"]}, 0, 0, ""
	}
	return nil, 0, http.StatusBadRequest, `{"error":"ERROR_METHOD_NOT_FOUND","error_description":"Method not found"}`
}

func (s *Server) listDeals(params map[string]interface{}) (interface{}, int, int, string) {
	filter, _ := params["filter"].(map[string]interface{})
	var ids []int64
	for id, d := range s.Deals {
		if like, ok := filter["%TITLE"].(string); ok {
			title, _ := d["TITLE"].(string)
			if !strings.Contains(title, like) {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start := 0
	if v, ok := params["start"].(float64); ok {
		start = int(v)
	}
	const pageSize = 50
	end := start + pageSize
	next := 0
	if end < len(ids) {
		next = end
	} else {
		end = len(ids)
	}
	if start > end {
		start = end
	}

	out := make([]map[string]interface{}, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, s.Deals[id])
	}
	return out, next, 0, ""
}
