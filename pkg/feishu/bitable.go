package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const defaultBitablePageSize = 200

// BitableRef captures identifiers parsed from a Feishu Bitable link.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
	ViewID   string
}

// BitableRecord is one raw row.
type BitableRecord struct {
	RecordID string
	Fields   map[string]any
}

// ParseBitableURL extracts app token, table id and view id from a Feishu
// Bitable link of the form https://xxx.feishu.cn/base/<token>?table=<id>.
func ParseBitableURL(raw string) (ref BitableRef, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "parse bitable url failed")
		}
	}()

	ref = BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}

	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedFeishuHost(u.Host) {
		return ref, fmt.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return ref, errors.New("missing path segments in url")
	}
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		ref.AppToken = segments[len(segments)-1]
	}
	if ref.AppToken == "" {
		return ref, errors.New("missing app token in url")
	}

	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}

	for _, key := range []string{"view", "viewId", "view_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.ViewID = v
			break
		}
	}

	return ref, nil
}

func isAllowedFeishuHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.HasSuffix(host, ".feishu.cn") ||
		strings.HasSuffix(host, ".larksuite.com") ||
		host == "feishu.cn" || host == "larksuite.com"
}

func requireBitableAppTable(ref BitableRef) error {
	if strings.TrimSpace(ref.AppToken) == "" {
		return errors.New("feishu: bitable app token is empty")
	}
	if strings.TrimSpace(ref.TableID) == "" {
		return errors.New("feishu: bitable table id is empty")
	}
	return nil
}

func (c *Client) listBitableRecords(ctx context.Context, ref BitableRef, pageSize int) ([]BitableRecord, error) {
	if err := requireBitableAppTable(ref); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = defaultBitablePageSize
	}

	basePath := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/search",
		url.PathEscape(ref.AppToken), url.PathEscape(ref.TableID))
	values := url.Values{}
	values.Set("page_size", strconv.Itoa(pageSize))

	var body map[string]any
	if viewID := strings.TrimSpace(ref.ViewID); viewID != "" {
		body = map[string]any{"view_id": viewID}
	}

	var all []BitableRecord
	pageToken := ""
	for {
		if pageToken != "" {
			values.Set("page_token", pageToken)
		}
		path := basePath + "?" + values.Encode()
		_, raw, err := c.doJSONRequest(ctx, http.MethodPost, path, body)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				Items []struct {
					RecordID string         `json:"record_id"`
					Fields   map[string]any `json:"fields"`
				} `json:"items"`
				HasMore   bool   `json:"has_more"`
				PageToken string `json:"page_token"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("feishu: decode bitable search response: %w", err)
		}
		if resp.Code != 0 {
			return nil, fmt.Errorf("feishu: search bitable records failed code=%d msg=%s table_id=%s",
				resp.Code, resp.Msg, ref.TableID)
		}
		for _, item := range resp.Data.Items {
			all = append(all, BitableRecord{
				RecordID: strings.TrimSpace(item.RecordID),
				Fields:   item.Fields,
			})
		}
		pageToken = strings.TrimSpace(resp.Data.PageToken)
		if !resp.Data.HasMore || pageToken == "" {
			return all, nil
		}
	}
}

func (c *Client) createBitableRecord(ctx context.Context, ref BitableRef, fields map[string]any) (recordID string, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "create bitable record failed")
		}
	}()

	if len(fields) == 0 {
		return "", errors.New("feishu: no fields provided for creation")
	}
	if err := requireBitableAppTable(ref); err != nil {
		return "", err
	}
	payload := map[string]any{"fields": fields}
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records",
		url.PathEscape(ref.AppToken), url.PathEscape(ref.TableID))

	_, raw, err := c.doJSONRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Record struct {
				RecordID string `json:"record_id"`
			} `json:"record"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("feishu: decode create response: %w", err)
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("feishu: create record failed code=%d msg=%s", resp.Code, resp.Msg)
	}
	id := strings.TrimSpace(resp.Data.Record.RecordID)
	if id == "" {
		return "", errors.New("feishu: create record response missing record id")
	}
	return id, nil
}

func (c *Client) updateBitableRecord(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) error {
	if strings.TrimSpace(recordID) == "" {
		return errors.New("feishu: record id is empty")
	}
	if len(fields) == 0 {
		return errors.New("feishu: no fields provided for update")
	}
	if err := requireBitableAppTable(ref); err != nil {
		return err
	}
	payload := map[string]any{"fields": fields}
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(ref.AppToken), url.PathEscape(ref.TableID), url.PathEscape(recordID))

	_, raw, err := c.doJSONRequest(ctx, http.MethodPut, path, payload)
	if err != nil {
		return err
	}

	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("feishu: decode update response: %w", err)
	}
	if resp.Code != 0 {
		return fmt.Errorf("feishu: update record failed code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func addOptionalField(dst map[string]any, column, value string) {
	if strings.TrimSpace(column) == "" || strings.TrimSpace(value) == "" {
		return
	}
	dst[column] = value
}

// toString decodes the common primitive shapes Feishu returns for a cell.
func toString(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		var parts []string
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
					continue
				}
			}
			if s := toString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.TrimSpace(strings.Join(parts, ""))
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return strings.TrimSpace(text)
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
