package notify

import (
	"context"
	"net/url"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"

	"github.com/appexplore/explorerd"
)

// LarkBitable mirrors alerts into a Feishu bitable so the on-call table
// stays populated even when chat delivery is down.
type LarkBitable struct {
	client   *lark.Client
	appToken string
	tableID  string
}

// NewLarkBitable builds a bitable notifier from app credentials and the
// table's share URL.
func NewLarkBitable(appID, appSecret, bitableURL string) (*LarkBitable, error) {
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(appSecret) == "" {
		return nil, errors.New("lark app credentials cannot be empty")
	}
	appToken, tableID, err := parseBitableURL(bitableURL)
	if err != nil {
		return nil, err
	}
	client := lark.NewClient(appID, appSecret, lark.WithLogLevel(larkcore.LogLevelError))
	return &LarkBitable{client: client, appToken: appToken, tableID: tableID}, nil
}

// parseBitableURL extracts the app token ("base" path segment) and table ID
// ("table" query parameter) from a bitable share URL.
func parseBitableURL(raw string) (appToken, tableID string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errors.New("empty bitable url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid bitable url")
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			appToken = segments[i+1]
			break
		}
	}
	if appToken == "" {
		return "", "", errors.New("missing app token in bitable url")
	}
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(u.Query().Get(key)); v != "" {
			tableID = v
			break
		}
	}
	if tableID == "" {
		return "", "", errors.New("missing table id in bitable url query")
	}
	return appToken, tableID, nil
}

// Deliver appends one alert row to the bitable.
func (l *LarkBitable) Deliver(ctx context.Context, alert explorerd.Alert) error {
	fields := map[string]any{
		"AlertID":   alert.ID,
		"Kind":      string(alert.Kind),
		"Severity":  string(alert.Severity),
		"Status":    string(alert.Status),
		"Message":   alert.Message,
		"TaskID":    alert.Ref.TaskID,
		"RunID":     alert.Ref.RunID,
		"DeviceID":  alert.Ref.DeviceID,
		"CreatedAt": alert.CreatedAt.UnixMilli(),
	}
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(l.appToken).
		TableId(l.tableID).
		AppTableRecord(larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()).
		Build()
	resp, err := l.client.Bitable.V1.AppTableRecord.Create(ctx, req)
	if err != nil {
		return errors.Wrap(err, "create bitable record failed")
	}
	if !resp.Success() {
		return errors.Errorf("create bitable record failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}
