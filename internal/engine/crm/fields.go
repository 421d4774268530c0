package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"crmsync/internal/platform/config"
)

const userFieldPrefix = "UF_CRM_"

// UserField is a custom field the sync writes to. Name carries the UF_CRM_
// prefix.
type UserField struct {
	Entity   string // "deal" or "contact"
	Name     string
	Label    string
	Type     string // string, double, file
	Multiple bool
}

// RequiredFields lists the user fields named in cfg. Fields configured
// without the UF_CRM_ prefix are standard fields and are skipped.
func RequiredFields(cfg config.CRMConfig) []UserField {
	candidates := []UserField{
		{Entity: "deal", Name: cfg.QuantityField, Label: "Quantity", Type: "double"},
		{Entity: "deal", Name: cfg.FileField, Label: "Model File", Type: "file"},
		{Entity: "deal", Name: cfg.DocumentsField, Label: "Documents", Type: "disk_file", Multiple: true},
		{Entity: "contact", Name: cfg.ContactUserField, Label: "App User ID", Type: "string"},
	}
	var out []UserField
	for _, f := range candidates {
		if strings.HasPrefix(f.Name, userFieldPrefix) && len(f.Name) > len(userFieldPrefix) {
			out = append(out, f)
		}
	}
	return out
}

// Fields returns the field names the CRM knows for entity.
func (c *Client) Fields(ctx context.Context, entity string) (map[string]bool, error) {
	method := "crm." + entity + ".fields"
	env, err := c.call(ctx, method, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var defs map[string]json.RawMessage
	if err := json.Unmarshal(env.Result, &defs); err != nil {
		return nil, fmt.Errorf("crm %s: decode: %w", method, err)
	}
	names := make(map[string]bool, len(defs))
	for name := range defs {
		names[name] = true
	}
	return names, nil
}

// AddUserField creates f on its entity.
func (c *Client) AddUserField(ctx context.Context, f UserField) error {
	multiple := "N"
	if f.Multiple {
		multiple = "Y"
	}
	_, err := c.call(ctx, "crm."+f.Entity+".userfield.add", map[string]interface{}{
		"fields": map[string]interface{}{
			"USER_TYPE_ID":  f.Type,
			"FIELD_NAME":    strings.TrimPrefix(f.Name, userFieldPrefix),
			"LABEL":         f.Label,
			"MULTIPLE":      multiple,
			"MANDATORY":     "N",
			"SHOW_FILTER":   "N",
			"SHOW_IN_LIST":  "Y",
			"EDIT_IN_LIST":  "Y",
			"IS_SEARCHABLE": "N",
			"SORT":          100,
		},
	})
	return err
}

// EnsureFields creates the user fields the CRM does not have yet and returns
// their names. The CRM silently drops writes to unknown fields. Each field is
// tried independently; the error joins every failure.
func (c *Client) EnsureFields(ctx context.Context, fields []UserField) ([]string, error) {
	var (
		created []string
		errs    []error
	)
	existing := map[string]map[string]bool{}

	for _, f := range fields {
		known, ok := existing[f.Entity]
		if !ok {
			var err error
			known, err = c.Fields(ctx, f.Entity)
			if err != nil {
				errs = append(errs, fmt.Errorf("list %s fields: %w", f.Entity, err))
				known = nil
			}
			existing[f.Entity] = known
		}
		if known == nil {
			continue
		}
		if known[f.Name] {
			log.Debug().Str("entity", f.Entity).Str("field", f.Name).Msg("user field present")
			continue
		}

		if err := c.AddUserField(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("create %s field %s: %w", f.Entity, f.Name, err))
			continue
		}
		known[f.Name] = true
		created = append(created, f.Name)
		log.Info().Str("entity", f.Entity).Str("field", f.Name).Str("type", f.Type).Msg("created user field")
	}
	return created, errors.Join(errs...)
}
