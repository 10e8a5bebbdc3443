package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/dverr"
)

const (
	apiPath          = "/api/data/v9.2"
	annotationPrefix = "@"
	formattedSuffix  = "@OData.Community.Display.V1.FormattedValue"
	lookupSuffix     = "@Microsoft.Dynamics.CRM.lookuplogicalname"
)

// WebAPI is a bearer-token Dataverse Web API client. It satisfies Client for
// CLI use; token acquisition and refresh stay with the caller.
type WebAPI struct {
	envURL string
	token  string
	http   *http.Client

	// EntitySets overrides the naive logical-name pluralization for entity
	// set paths (e.g. "opportunity" -> "opportunities" is derived, but
	// irregular custom entities need an explicit entry).
	EntitySets map[string]string

	suppressWrites bool
}

var _ Client = (*WebAPI)(nil)

func NewWebAPI(envURL, token string) *WebAPI {
	return &WebAPI{
		envURL: strings.TrimRight(envURL, "/"),
		token:  token,
		http:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (w *WebAPI) EnvironmentURL() string { return w.envURL }

func (w *WebAPI) Clone(ctx context.Context) (Client, error) {
	clone := *w
	clone.http = &http.Client{Timeout: 120 * time.Second}
	return &clone, nil
}

func (w *WebAPI) AccessToken(ctx context.Context) (string, error) {
	if w.token == "" {
		return "", dverr.New(dverr.CodeAuthFailed, "no access token configured")
	}
	return w.token, nil
}

func (w *WebAPI) Close() error { return nil }

// entitySet maps a logical name onto its OData entity set segment.
func (w *WebAPI) entitySet(logicalName string) string {
	if set, ok := w.EntitySets[logicalName]; ok {
		return set
	}
	switch {
	case strings.HasSuffix(logicalName, "y"):
		return logicalName[:len(logicalName)-1] + "ies"
	case strings.HasSuffix(logicalName, "s"),
		strings.HasSuffix(logicalName, "x"),
		strings.HasSuffix(logicalName, "ch"),
		strings.HasSuffix(logicalName, "sh"):
		return logicalName + "es"
	default:
		return logicalName + "s"
	}
}

func (w *WebAPI) ExecuteFetch(ctx context.Context, fetchXML string) (*FetchResponse, error) {
	entity, err := fetchEntityName(fetchXML)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s%s/%s?fetchXml=%s",
		w.envURL, apiPath, w.entitySet(entity), url.QueryEscape(fetchXML))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", `odata.include-annotations="*"`)

	body, _, err := w.do(req)
	if err != nil {
		return nil, err
	}

	var page struct {
		More   bool              `json:"@Microsoft.Dynamics.CRM.morerecords"`
		Cookie string            `json:"@Microsoft.Dynamics.CRM.fetchxmlpagingcookie"`
		Total  *int64            `json:"@Microsoft.Dynamics.CRM.totalrecordcount"`
		Value  []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, dverr.Wrap(dverr.CodeQueryFailed, "parse fetch response", err)
	}

	res := &FetchResponse{
		MoreRecords:      page.More,
		PagingCookie:     page.Cookie,
		TotalRecordCount: -1,
	}
	if page.Total != nil {
		res.TotalRecordCount = *page.Total
	}
	for _, raw := range page.Value {
		ent, err := parseEntity(raw, entity)
		if err != nil {
			return nil, err
		}
		res.Entities = append(res.Entities, ent)
	}
	return res, nil
}

// fetchEntityName pulls the primary entity out of a FetchXML document; the
// Web API addresses fetch queries through the entity's set path.
func fetchEntityName(fetchXML string) (string, error) {
	marker := `<entity name="`
	i := strings.Index(fetchXML, marker)
	if i < 0 {
		marker = `<entity name='`
		i = strings.Index(fetchXML, marker)
	}
	if i < 0 {
		return "", dverr.New(dverr.CodeInvalidFetchXml, "fetch has no entity element")
	}
	rest := fetchXML[i+len(marker):]
	j := strings.IndexAny(rest, `"'`)
	if j <= 0 {
		return "", dverr.New(dverr.CodeInvalidFetchXml, "fetch entity name is malformed")
	}
	return rest[:j], nil
}

// parseEntity maps one OData row onto the wire Entity shape. Lookup columns
// arrive as _name_value plus annotations; formatted strings ride on
// per-column annotations.
func parseEntity(raw json.RawMessage, logicalName string) (Entity, error) {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return Entity{}, dverr.Wrap(dverr.CodeQueryFailed, "parse fetch row", err)
	}

	ent := Entity{
		LogicalName: logicalName,
		Attributes:  make(map[string]any),
		Formatted:   make(map[string]string),
	}

	for key, val := range row {
		if i := strings.Index(key, annotationPrefix); i > 0 {
			base := key[:i]
			if strings.HasSuffix(key, formattedSuffix) {
				if s, ok := val.(string); ok {
					ent.Formatted[attributeName(base)] = s
				}
			}
			continue
		}
		if strings.HasPrefix(key, annotationPrefix) {
			continue
		}
		if strings.HasPrefix(key, "_") && strings.HasSuffix(key, "_value") {
			name := attributeName(key)
			idText, _ := val.(string)
			id, err := uuid.Parse(idText)
			if err != nil {
				continue // null lookup
			}
			target, _ := row[key+lookupSuffix].(string)
			display, _ := row[key+formattedSuffix].(string)
			ent.Attributes[name] = EntityReference{ID: id, LogicalName: target, Name: display}
			ent.Formatted[name] = display
			continue
		}
		if val == nil {
			continue
		}
		ent.Attributes[key] = val
	}

	if idText, ok := ent.Attributes[logicalName+"id"].(string); ok {
		if id, err := uuid.Parse(idText); err == nil {
			ent.ID = id
			ent.Attributes[logicalName+"id"] = id
		}
	}
	return ent, nil
}

// attributeName strips the _name_value lookup envelope.
func attributeName(key string) string {
	name := strings.TrimSuffix(key, "_value")
	return strings.TrimPrefix(name, "_")
}

func (w *WebAPI) Create(ctx context.Context, entityName string, attrs map[string]any) (uuid.UUID, error) {
	payload, err := json.Marshal(w.wirePayload(attrs))
	if err != nil {
		return uuid.Nil, dverr.Wrap(dverr.CodeValidationFailed, "encode create payload", err)
	}
	endpoint := fmt.Sprintf("%s%s/%s", w.envURL, apiPath, w.entitySet(entityName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return uuid.Nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	w.applyWriteHeaders(req)

	_, header, err := w.do(req)
	if err != nil {
		return uuid.Nil, err
	}
	return idFromEntityHeader(header.Get("OData-EntityId"))
}

func (w *WebAPI) Update(ctx context.Context, entityName string, id uuid.UUID, attrs map[string]any) error {
	payload, err := json.Marshal(w.wirePayload(attrs))
	if err != nil {
		return dverr.Wrap(dverr.CodeValidationFailed, "encode update payload", err)
	}
	endpoint := fmt.Sprintf("%s%s/%s(%s)", w.envURL, apiPath, w.entitySet(entityName), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", "*")
	w.applyWriteHeaders(req)

	_, _, err = w.do(req)
	return err
}

// wirePayload converts attribute values into their OData write shapes.
func (w *WebAPI) wirePayload(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for key, v := range attrs {
		switch val := v.(type) {
		case EntityReference:
			out[key+"@odata.bind"] = fmt.Sprintf("/%s(%s)", w.entitySet(val.LogicalName), val.ID)
		case OptionSetValue:
			out[key] = val.Value
		case OptionSetValueCollection:
			codes := make([]string, len(val))
			for i, o := range val {
				codes[i] = strconv.Itoa(o.Value)
			}
			out[key] = strings.Join(codes, ",")
		case Money:
			out[key] = json.RawMessage(val.Value)
		case uuid.UUID:
			out[key] = val.String()
		default:
			out[key] = v
		}
	}
	return out
}

func (w *WebAPI) SetSideEffects(ctx context.Context, entities []string, enabled bool) error {
	// Dataverse has no bulk registration toggle over the Web API; writes
	// carry suppression headers instead while side effects are off.
	w.suppressWrites = !enabled
	return nil
}

func (w *WebAPI) applyWriteHeaders(req *http.Request) {
	if w.suppressWrites {
		req.Header.Set("MSCRM.SuppressCallbackRegistrationExpanderJob", "true")
		req.Header.Set("MSCRM.SuppressDuplicateDetection", "true")
	}
}

func (w *WebAPI) RecommendedParallelism(ctx context.Context) (int, error) {
	endpoint := fmt.Sprintf("%s%s/WhoAmI", w.envURL, apiPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	_, header, err := w.do(req)
	if err != nil {
		return 0, err
	}
	hint := header.Get("x-ms-dop-hint")
	if hint == "" {
		return 0, dverr.New(dverr.CodeNotSupported, "environment reports no parallelism hint")
	}
	dop, err := strconv.Atoi(hint)
	if err != nil || dop < 1 {
		return 0, dverr.Newf(dverr.CodeNotSupported, "unusable parallelism hint %q", hint)
	}
	return dop, nil
}

// do sends the request with auth headers and maps platform failures onto the
// error taxonomy.
func (w *WebAPI) do(req *http.Request) ([]byte, http.Header, error) {
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("OData-MaxVersion", "4.0")

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, nil, dverr.Wrap(dverr.CodeTransient, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, dverr.Wrap(dverr.CodeTransient, "read response", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp.Header, nil
	}
	return nil, nil, statusError(resp, body)
}

func statusError(resp *http.Response, body []byte) error {
	message := odataMessage(body)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return dverr.New(dverr.CodeAuthFailed, message)
	case http.StatusTooManyRequests:
		return dverr.Throttled(message, retryAfterHeader(resp))
	case http.StatusBadRequest, http.StatusPreconditionFailed:
		return dverr.New(dverr.CodeValidationFailed, message)
	case http.StatusNotFound:
		return dverr.New(dverr.CodeNotFound, message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return dverr.New(dverr.CodeTransient, message)
	default:
		return dverr.Newf(dverr.CodeQueryFailed, "%s (http %d)", message, resp.StatusCode)
	}
}

func odataMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(body) > 0 {
		return strings.TrimSpace(string(body))
	}
	return "request rejected"
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// idFromEntityHeader parses "https://.../accounts(<guid>)".
func idFromEntityHeader(header string) (uuid.UUID, error) {
	open := strings.LastIndex(header, "(")
	end := strings.LastIndex(header, ")")
	if open < 0 || end <= open {
		return uuid.Nil, dverr.Newf(dverr.CodeQueryFailed, "malformed OData-EntityId header %q", header)
	}
	id, err := uuid.Parse(header[open+1 : end])
	if err != nil {
		return uuid.Nil, dverr.Wrap(dverr.CodeQueryFailed, "parse created id", err)
	}
	return id, nil
}
