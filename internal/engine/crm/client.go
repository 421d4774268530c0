// Package crm talks to the CRM's REST API through an incoming-webhook URL of
// the form https://<portal>/rest/<user>/<token>/.
package crm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"crmsync/internal/platform/config"
)

const (
	maxBodySize  = 4 << 20
	maxListPages = 20
)

type Client struct {
	baseURL      string
	enabled      bool
	diskFolderID string
	http         *http.Client
	limiter      *rate.Limiter // nil means unthrottled
}

func NewClient(cfg config.CRMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:      strings.TrimRight(cfg.WebhookURL, "/"),
		enabled:      cfg.Enabled,
		diskFolderID: cfg.DiskFolderID,
		http:         &http.Client{Timeout: timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.enabled && c.baseURL != ""
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next"`
	Total            *int            `json:"total"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (*envelope, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("crm %s: encode params: %w", method, err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("crm %s: throttled: %w", method, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method+".json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("crm %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("crm %s: read body: %w", method, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode != http.StatusOK || env.Error != "" {
		apiErr := &APIError{
			StatusCode:  resp.StatusCode,
			Body:        string(raw),
			Method:      method,
			Code:        strings.ToUpper(env.Error),
			Description: env.ErrorDescription,
		}
		if apiErr.Code == "" && strings.Contains(strings.ToLower(apiErr.Description), "not found") {
			apiErr.Code = CodeNotFound
		}
		logFailure(apiErr)
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("crm %s: decode response: %w", method, decodeErr)
	}
	return &env, nil
}

func logFailure(e *APIError) {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		log.Error().
			Str("method", e.Method).
			Int("status", e.StatusCode).
			Str("body", body).
			Bool("credential_alarm", true).
			Msg("CRM rejected webhook credentials; token expired or lacks scope")
	case e.NotFound() && strings.HasSuffix(e.Method, ".get"):
		log.Debug().Str("method", e.Method).Msg("CRM record not found")
	default:
		log.Warn().
			Str("method", e.Method).
			Int("status", e.StatusCode).
			Str("code", e.Code).
			Str("body", body).
			Msg("CRM request failed")
	}
}

func decodeID(method string, env *envelope) (int64, error) {
	var v interface{}
	if err := json.Unmarshal(env.Result, &v); err != nil {
		return 0, fmt.Errorf("crm %s: decode id: %w", method, err)
	}
	id, ok := ParseID(v)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("crm %s: unexpected result %s", method, string(env.Result))
	}
	return id, nil
}

func decodeRecord(method string, env *envelope) (Record, error) {
	var rec Record
	if err := json.Unmarshal(env.Result, &rec); err != nil {
		return nil, fmt.Errorf("crm %s: decode record: %w", method, err)
	}
	return rec, nil
}

func (c *Client) add(ctx context.Context, method string, fields map[string]interface{}) (int64, error) {
	env, err := c.call(ctx, method, map[string]interface{}{"fields": fields})
	if err != nil {
		return 0, err
	}
	return decodeID(method, env)
}

func (c *Client) get(ctx context.Context, method string, id int64) (Record, error) {
	env, err := c.call(ctx, method, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	return decodeRecord(method, env)
}

func (c *Client) update(ctx context.Context, method string, id int64, fields map[string]interface{}) error {
	_, err := c.call(ctx, method, map[string]interface{}{"id": id, "fields": fields})
	return err
}

func (c *Client) AddDeal(ctx context.Context, fields map[string]interface{}) (int64, error) {
	return c.add(ctx, "crm.deal.add", fields)
}

func (c *Client) GetDeal(ctx context.Context, id int64) (Record, error) {
	return c.get(ctx, "crm.deal.get", id)
}

func (c *Client) UpdateDeal(ctx context.Context, id int64, fields map[string]interface{}) error {
	return c.update(ctx, "crm.deal.update", id, fields)
}

func (c *Client) DeleteDeal(ctx context.Context, id int64) error {
	_, err := c.call(ctx, "crm.deal.delete", map[string]interface{}{"id": id})
	return err
}

// ListDeals follows the API's pagination until exhausted.
func (c *Client) ListDeals(ctx context.Context, p ListParams) ([]Record, error) {
	params := map[string]interface{}{}
	if p.Filter != nil {
		params["filter"] = p.Filter
	}
	if p.Order != nil {
		params["order"] = p.Order
	}
	if p.Select != nil {
		params["select"] = p.Select
	}

	var out []Record
	for page := 0; page < maxListPages; page++ {
		env, err := c.call(ctx, "crm.deal.list", params)
		if err != nil {
			return nil, err
		}
		var recs []Record
		if err := json.Unmarshal(env.Result, &recs); err != nil {
			return nil, fmt.Errorf("crm crm.deal.list: decode: %w", err)
		}
		out = append(out, recs...)
		if env.Next == nil {
			break
		}
		params["start"] = *env.Next
	}
	return out, nil
}

func (c *Client) AddContact(ctx context.Context, fields map[string]interface{}) (int64, error) {
	return c.add(ctx, "crm.contact.add", fields)
}

func (c *Client) GetContact(ctx context.Context, id int64) (Record, error) {
	return c.get(ctx, "crm.contact.get", id)
}

func (c *Client) UpdateContact(ctx context.Context, id int64, fields map[string]interface{}) error {
	return c.update(ctx, "crm.contact.update", id, fields)
}

func (c *Client) DeleteContact(ctx context.Context, id int64) error {
	_, err := c.call(ctx, "crm.contact.delete", map[string]interface{}{"id": id})
	return err
}

func (c *Client) AddLead(ctx context.Context, fields map[string]interface{}) (int64, error) {
	return c.add(ctx, "crm.lead.add", fields)
}

func (c *Client) DeleteLead(ctx context.Context, id int64) error {
	_, err := c.call(ctx, "crm.lead.delete", map[string]interface{}{"id": id})
	return err
}

func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	env, err := c.call(ctx, "crm.dealcategory.list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(env.Result, &recs); err != nil {
		return nil, fmt.Errorf("crm crm.dealcategory.list: decode: %w", err)
	}

	cats := make([]Category, 0, len(recs))
	for _, r := range recs {
		id, _ := r.Int64("ID")
		sort, _ := r.Int64("SORT")
		cats = append(cats, Category{ID: id, Name: r.String("NAME"), Sort: int(sort)})
	}
	return cats, nil
}

func (c *Client) AddCategory(ctx context.Context, name string, stages []StageSpec) (int64, error) {
	specs := make([]map[string]interface{}, 0, len(stages))
	for _, s := range stages {
		color := s.Color
		if color == "" {
			color = "#3465A4"
		}
		specs = append(specs, map[string]interface{}{
			"NAME":      s.Name,
			"SORT":      s.Sort,
			"COLOR":     color,
			"SEMANTICS": s.Semantics,
		})
	}
	return c.add(ctx, "crm.dealcategory.add", map[string]interface{}{"NAME": name, "STAGES": specs})
}

// ListStages returns the stages of a deal category; 0 is the default pipeline.
func (c *Client) ListStages(ctx context.Context, categoryID int64) ([]Stage, error) {
	entityID := "DEAL_STAGE"
	if categoryID > 0 {
		entityID = "DEAL_STAGE_" + strconv.FormatInt(categoryID, 10)
	}

	env, err := c.call(ctx, "crm.status.entity.items", map[string]interface{}{"entityId": entityID})
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(env.Result, &recs); err != nil {
		return nil, fmt.Errorf("crm crm.status.entity.items: decode: %w", err)
	}

	stages := make([]Stage, 0, len(recs))
	for _, r := range recs {
		sort, _ := r.Int64("SORT")
		semantics := r.String("SEMANTICS")
		if extra, ok := r["EXTRA"].(map[string]interface{}); ok && semantics == "" {
			semantics = Record(extra).String("SEMANTICS")
		}
		stages = append(stages, Stage{
			StatusID:  r.String("STATUS_ID"),
			Name:      r.String("NAME"),
			Sort:      int(sort),
			Semantics: semantics,
		})
	}
	return stages, nil
}

// UploadFile stores content in the configured disk folder and returns the
// disk file id.
func (c *Client) UploadFile(ctx context.Context, f File) (int64, error) {
	const method = "disk.folder.uploadfile"
	env, err := c.call(ctx, method, map[string]interface{}{
		"id":                 c.diskFolderID,
		"data":               map[string]interface{}{"NAME": f.Name},
		"fileContent":        base64.StdEncoding.EncodeToString(f.Content),
		"generateUniqueName": true,
	})
	if err != nil {
		return 0, err
	}
	rec, err := decodeRecord(method, env)
	if err != nil {
		return 0, err
	}
	id, ok := rec.Int64("ID")
	if !ok {
		return 0, fmt.Errorf("crm %s: result has no ID", method)
	}
	return id, nil
}

// AttachFile writes file content inline into a single-file deal field.
func (c *Client) AttachFile(ctx context.Context, dealID int64, field string, f File) error {
	return c.UpdateDeal(ctx, dealID, map[string]interface{}{
		field: map[string]interface{}{
			"fileData": []string{f.Name, base64.StdEncoding.EncodeToString(f.Content)},
		},
	})
}

// AttachDiskFiles links uploaded disk files to a multi-value disk field.
func (c *Client) AttachDiskFiles(ctx context.Context, dealID int64, field string, diskIDs []int64) error {
	refs := make([]string, 0, len(diskIDs))
	for _, id := range diskIDs {
		refs = append(refs, "n"+strconv.FormatInt(id, 10))
	}
	return c.UpdateDeal(ctx, dealID, map[string]interface{}{field: refs})
}
