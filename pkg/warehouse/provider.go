package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/chronica-ai/timeline/pkg/common/config"
	"github.com/chronica-ai/timeline/pkg/common/httpclient"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"golang.org/x/oauth2/clientcredentials"
	"gorm.io/gorm"
)

// ErrSourceUnavailable wraps any failure to reach a provider. The pipeline
// recovers locally: the source is skipped and the run continues with a
// warning attached to the output.
var ErrSourceUnavailable = errors.New("source unavailable")

// Provider is one tabular data provider, one per event category. The core
// treats it as opaque: rows in, keyed by patient identifier.
type Provider interface {
	Source() string
	Records(ctx context.Context, patientID string) ([]models.SourceRecord, error)
}

// TableProvider reads one warehouse table through gorm.
type TableProvider struct {
	db            *gorm.DB
	source        string
	table         string
	patientColumn string
}

func NewTableProvider(db *gorm.DB, source, table, patientColumn string) *TableProvider {
	if patientColumn == "" {
		patientColumn = "patient_id"
	}
	return &TableProvider{db: db, source: source, table: table, patientColumn: patientColumn}
}

func (p *TableProvider) Source() string { return p.source }

func (p *TableProvider) Records(ctx context.Context, patientID string) ([]models.SourceRecord, error) {
	var rows []map[string]interface{}
	err := p.db.WithContext(ctx).
		Table(p.table).
		Where(fmt.Sprintf("%s = ?", p.patientColumn), patientID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", ErrSourceUnavailable, p.table, err)
	}

	records := make([]models.SourceRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.SourceRecord{
			Source:    p.source,
			PatientID: patientID,
			Fields:    row,
		})
	}
	return records, nil
}

// HTTPProvider queries a remote warehouse API, authenticating with OAuth2
// client credentials.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	source  string
	path    string
}

func NewHTTPProvider(cfg *config.Config, source, path string) *HTTPProvider {
	var client *http.Client
	if cfg.WarehouseTokenURL != "" {
		creds := clientcredentials.Config{
			ClientID:     cfg.WarehouseClientID,
			ClientSecret: cfg.WarehouseClientSecret,
			TokenURL:     cfg.WarehouseTokenURL,
		}
		client = creds.Client(context.Background())
		client.Timeout = cfg.CollaboratorTimeout
	} else {
		client = httpclient.New(cfg.CollaboratorTimeout)
	}
	return &HTTPProvider{
		client:  client,
		baseURL: cfg.WarehouseBaseURL,
		source:  source,
		path:    path,
	}
}

func (p *HTTPProvider) Source() string { return p.source }

func (p *HTTPProvider) Records(ctx context.Context, patientID string) ([]models.SourceRecord, error) {
	endpoint := fmt.Sprintf("%s%s?patient_id=%s", p.baseURL, p.path, url.QueryEscape(patientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrSourceUnavailable, p.source, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %v", ErrSourceUnavailable, p.source, err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", p.source, err)
	}

	records := make([]models.SourceRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.SourceRecord{
			Source:    p.source,
			PatientID: patientID,
			Fields:    row,
		})
	}
	return records, nil
}
