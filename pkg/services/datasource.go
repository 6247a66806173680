package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source"
	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/repositories"
)

// DataSourceService defines the operations the trigger layer uses to manage
// data sources and request syncs.
type DataSourceService interface {
	// Create validates the request, encrypts credentials and stores the data source.
	Create(ctx context.Context, tenantID uuid.UUID, req *CreateDataSourceRequest) (*models.DataSource, error)

	// Get retrieves a data source. Credentials stay encrypted.
	Get(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSource, error)

	// GetByName retrieves a data source by its tenant-unique name.
	GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.DataSource, error)

	// List retrieves all data sources of a tenant.
	List(ctx context.Context, tenantID uuid.UUID) ([]*models.DataSource, error)

	// Update changes the fields set in req. Replaced credentials are re-encrypted.
	Update(ctx context.Context, tenantID, id uuid.UUID, req *UpdateDataSourceRequest) (*models.DataSource, error)

	// Delete removes the data source, its sync jobs and any pending upload files.
	Delete(ctx context.Context, tenantID, id uuid.UUID) error

	// GetStatus returns the sync status read model.
	GetStatus(ctx context.Context, tenantID, id uuid.UUID) (*models.StatusPayload, error)

	// RequestSync enqueues a sync, or returns the job already live for the
	// data source. An upload that cannot join the live job is removed and
	// ErrSyncInProgress is returned.
	RequestSync(ctx context.Context, tenantID, id uuid.UUID, trigger models.TriggerType, payload models.JobPayload) (*models.JobHandle, error)
}

// CreateDataSourceRequest holds a new data source definition. Credentials
// are plaintext here and never leave the service unencrypted.
type CreateDataSourceRequest struct {
	Name              string                `validate:"required,max=255"`
	Type              models.DataSourceType `validate:"required,datasource_type"`
	ConnectionDetails map[string]any
	Config            map[string]any
	Credentials       crypto.Credentials
	Schedule          string   `validate:"omitempty,cron_schedule"`
	Tags              []string `validate:"max=20,dive,required,max=64"`
}

// UpdateDataSourceRequest changes the non-nil fields. An empty, non-nil
// Credentials map removes the stored credentials.
type UpdateDataSourceRequest struct {
	Name              *string `validate:"omitempty,min=1,max=255"`
	ConnectionDetails map[string]any
	Config            map[string]any
	Credentials       crypto.Credentials
	Schedule          *string   `validate:"omitempty,cron_schedule"`
	Tags              *[]string `validate:"omitempty,max=20,dive,required,max=64"`
}

// CredentialEncrypter seals credentials for storage.
type CredentialEncrypter interface {
	EncryptCredentials(creds crypto.Credentials) (string, error)
}

// SyncQueue is the part of the job queue the service uses.
type SyncQueue interface {
	Enqueuer
	Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	CancelForDataSource(ctx context.Context, dataSourceID uuid.UUID) ([]*models.SyncJob, error)
}

type dataSourceService struct {
	scopes    database.TenantScopeProvider
	repo      repositories.DataSourceRepository
	vault     CredentialEncrypter
	queue     SyncQueue
	tracker   StatusTracker
	validate  *validator.Validate
	uploadDir string
	logger    *zap.Logger
}

// NewDataSourceService creates a data source service. uploadDir is the
// directory upload files live in; only files under it are ever removed.
func NewDataSourceService(
	scopes database.TenantScopeProvider,
	repo repositories.DataSourceRepository,
	vault CredentialEncrypter,
	queue SyncQueue,
	tracker StatusTracker,
	uploadDir string,
	logger *zap.Logger,
) DataSourceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dataSourceService{
		scopes:    scopes,
		repo:      repo,
		vault:     vault,
		queue:     queue,
		tracker:   tracker,
		validate:  newValidator(),
		uploadDir: uploadDir,
		logger:    logger.Named("datasources"),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("datasource_type", func(fl validator.FieldLevel) bool {
		return models.DataSourceType(fl.Field().String()).IsValid()
	})
	// An empty schedule means the data source is synced on demand only.
	_ = v.RegisterValidation("cron_schedule", func(fl validator.FieldLevel) bool {
		spec := fl.Field().String()
		if spec == "" {
			return true
		}
		_, err := ParseSchedule(spec)
		return err == nil
	})
	return v
}

// validationError flattens validator errors into one error wrapping
// ErrInvalidConfig, or ErrUnsupportedType when the type is unknown.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	sentinel := apperrors.ErrInvalidConfig
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "datasource_type" {
			sentinel = apperrors.ErrUnsupportedType
		}
		switch fe.Tag() {
		case "required":
			messages = append(messages, fe.Field()+" is required")
		case "datasource_type":
			messages = append(messages, fmt.Sprintf("unsupported type %q", fe.Value()))
		case "cron_schedule":
			messages = append(messages, fmt.Sprintf("invalid schedule %q", fe.Value()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("%w: %s", sentinel, strings.Join(messages, "; "))
}

func (s *dataSourceService) Create(ctx context.Context, tenantID uuid.UUID, req *CreateDataSourceRequest) (*models.DataSource, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if err := validateSourceConfig(req.Type, req.Config); err != nil {
		return nil, err
	}
	if err := validateSchedule(req.Type, req.Schedule); err != nil {
		return nil, err
	}

	ds := &models.DataSource{
		TenantID:          tenantID,
		Name:              strings.TrimSpace(req.Name),
		Type:              req.Type,
		ConnectionDetails: nonNilMap(req.ConnectionDetails),
		Config:            nonNilMap(req.Config),
		Schedule:          req.Schedule,
		Tags:              nonNilTags(req.Tags),
	}

	if len(req.Credentials) > 0 {
		envelope, err := s.vault.EncryptCredentials(req.Credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
		}
		ds.Credentials = envelope
	}

	if err := withTenant(ctx, s.scopes, tenantID, func(ctx context.Context) error {
		return s.repo.Create(ctx, ds)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("Created data source",
		zap.String("id", ds.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("name", ds.Name),
		zap.String("type", string(ds.Type)),
		zap.Bool("has_credentials", ds.HasCredentials()))

	return ds, nil
}

func (s *dataSourceService) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSource, error) {
	var ds *models.DataSource
	err := withTenant(ctx, s.scopes, tenantID, func(ctx context.Context) error {
		var err error
		ds, err = s.repo.GetByID(ctx, tenantID, id)
		return err
	})
	return ds, err
}

func (s *dataSourceService) GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.DataSource, error) {
	var ds *models.DataSource
	err := withTenant(ctx, s.scopes, tenantID, func(ctx context.Context) error {
		var err error
		ds, err = s.repo.GetByName(ctx, tenantID, name)
		return err
	})
	return ds, err
}

func (s *dataSourceService) List(ctx context.Context, tenantID uuid.UUID) ([]*models.DataSource, error) {
	var list []*models.DataSource
	err := withTenant(ctx, s.scopes, tenantID, func(ctx context.Context) error {
		var err error
		list, err = s.repo.List(ctx, tenantID)
		return err
	})
	return list, err
}

func (s *dataSourceService) Update(ctx context.Context, tenantID, id uuid.UUID, req *UpdateDataSourceRequest) (*models.DataSource, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, fmt.Errorf("%w: Name is required", apperrors.ErrInvalidConfig)
	}

	var envelope *string
	if req.Credentials != nil {
		sealed := ""
		if len(req.Credentials) > 0 {
			var err error
			sealed, err = s.vault.EncryptCredentials(req.Credentials)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
			}
		}
		envelope = &sealed
	}

	var ds *models.DataSource
	err := withTenant(ctx, s.scopes, tenantID, func(ctx context.Context) error {
		var err error
		ds, err = s.repo.GetByID(ctx, tenantID, id)
		if err != nil {
			return err
		}

		if req.Name != nil {
			ds.Name = strings.TrimSpace(*req.Name)
		}
		if req.ConnectionDetails != nil {
			ds.ConnectionDetails = req.ConnectionDetails
		}
		if req.Config != nil {
			if err := validateSourceConfig(ds.Type, req.Config); err != nil {
				return err
			}
			ds.Config = req.Config
		}
		if envelope != nil {
			ds.Credentials = *envelope
		}
		if req.Schedule != nil {
			ds.Schedule = *req.Schedule
		}
		if req.Tags != nil {
			ds.Tags = nonNilTags(*req.Tags)
		}
		if err := validateSchedule(ds.Type, ds.Schedule); err != nil {
			return err
		}
		return s.repo.Update(ctx, ds)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Updated data source",
		zap.String("id", id.String()),
		zap.Bool("credentials_replaced", envelope != nil))

	return ds, nil
}

func (s *dataSourceService) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	if err := withTenant(ctx, s.scopes, tenantID, func(ctx context.Context) error {
		_, err := s.repo.GetByID(ctx, tenantID, id)
		return err
	}); err != nil {
		return err
	}

	jobs, err := s.queue.CancelForDataSource(ctx, id)
	if err != nil {
		return err
	}

	if err := withTenant(ctx, s.scopes, tenantID, func(ctx context.Context) error {
		return s.repo.Delete(ctx, tenantID, id)
	}); err != nil {
		return err
	}

	for _, job := range jobs {
		removeUpload(s.uploadDir, job.Payload.FilePath, s.logger)
	}

	s.logger.Info("Deleted data source",
		zap.String("id", id.String()),
		zap.Int("cancelled_jobs", len(jobs)))

	return nil
}

func (s *dataSourceService) GetStatus(ctx context.Context, tenantID, id uuid.UUID) (*models.StatusPayload, error) {
	var status *models.StatusPayload
	err := withTenant(ctx, s.scopes, tenantID, func(ctx context.Context) error {
		var err error
		status, err = s.tracker.GetStatus(ctx, tenantID, id)
		return err
	})
	return status, err
}

func (s *dataSourceService) RequestSync(ctx context.Context, tenantID, id uuid.UUID, trigger models.TriggerType, payload models.JobPayload) (*models.JobHandle, error) {
	ds, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	switch {
	case trigger == models.TriggerCSVUpload && ds.Type != models.DataSourceTypeCSV:
		return nil, fmt.Errorf("%w: %s data sources do not accept uploads", apperrors.ErrInvalidConfig, ds.Type)
	case trigger == models.TriggerCSVUpload && payload.FilePath == "":
		return nil, fmt.Errorf("%w: upload sync needs a file path", apperrors.ErrInvalidConfig)
	case ds.Type == models.DataSourceTypeCSV && payload.FilePath == "":
		return nil, fmt.Errorf("%w: CSV data sources sync from uploads only", apperrors.ErrInvalidConfig)
	}

	handle, err := s.queue.Enqueue(ctx, ds.ID, tenantID, trigger, payload)
	if err != nil {
		return nil, err
	}
	if payload.FilePath == "" {
		return handle, nil
	}

	// A live job already owns the key. Its payload wins, so an upload it
	// does not carry would never be read.
	live, err := s.queue.Get(ctx, handle.ID)
	if err != nil {
		return nil, err
	}
	if live.Payload.FilePath != payload.FilePath {
		removeUpload(s.uploadDir, payload.FilePath, s.logger)
		return nil, fmt.Errorf("%w: upload not accepted, job %s is %s", apperrors.ErrSyncInProgress, handle.ID, handle.State)
	}
	return handle, nil
}

// validateSourceConfig checks the parts of config every sync needs, so
// mistakes surface at write time instead of on the first sync.
func validateSourceConfig(t models.DataSourceType, config map[string]any) error {
	if _, err := source.NewCampaignResolver(config); err != nil {
		return err
	}
	if t.Family() == models.SourceFamilyAPI {
		return nil
	}
	if _, err := source.ColumnMappingFromConfig(config); err != nil {
		return err
	}
	if t == models.DataSourceTypeSQL && source.ConfigString(config, "query", "") == "" {
		return fmt.Errorf("%w: SQL data sources need config.query", apperrors.ErrInvalidConfig)
	}
	return nil
}

// validateSchedule rejects schedules on upload-only sources.
func validateSchedule(t models.DataSourceType, schedule string) error {
	if schedule != "" && t == models.DataSourceTypeCSV {
		return fmt.Errorf("%w: CSV data sources sync from uploads and cannot be scheduled", apperrors.ErrInvalidConfig)
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

var _ DataSourceService = (*dataSourceService)(nil)
