package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type nodeModel struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)"`
	Name          string    `gorm:"uniqueIndex;not null"`
	Address       string    `gorm:"not null"`
	AgentPort     int       `gorm:"column:agent_port"`
	AppPort       int       `gorm:"column:app_port"`
	DBPort        int       `gorm:"column:db_port"`
	SSHPort       int       `gorm:"column:ssh_port"`
	SSHUser       string    `gorm:"column:ssh_user"`
	Region        string    `gorm:"column:region"`
	Role          string    `gorm:"column:role;index"`
	CPUCores      int       `gorm:"column:cpu_cores"`
	RAMMB         int64     `gorm:"column:ram_mb"`
	StorageGB     int64     `gorm:"column:storage_gb"`
	MaxSlots      int       `gorm:"column:max_slots"`
	CPUPercent    float64   `gorm:"column:cpu_percent"`
	RAMUsedMB     int64     `gorm:"column:ram_used_mb"`
	StorageUsedGB int64     `gorm:"column:storage_used_gb"`
	TenantCount   int       `gorm:"column:tenant_count;not null;default:0"`
	ScannedAt     time.Time `gorm:"column:scanned_at"`
	Status        string    `gorm:"column:status;index"`
	Priority      int       `gorm:"column:priority"`
	TunnelID      string    `gorm:"column:tunnel_id"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (nodeModel) TableName() string { return "nodes" }

type deploymentModel struct {
	Subdomain      string `gorm:"primaryKey;type:varchar(64)"`
	SubscriptionID string `gorm:"column:subscription_id;index"`
	NodeID         string `gorm:"column:node_id;index"`
	DatabaseName   string
	Plan           string
	Domain         string
	URL            string `gorm:"column:url"`
	DirectAddress  string
	TunnelID       string `gorm:"column:tunnel_id"`
	DNSRecordID    string `gorm:"column:dns_record_id"`
	TunnelActive   bool
	SlotHeld       bool
	Status         string `gorm:"index"`
	FailureStep    string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (deploymentModel) TableName() string { return "tenant_deployments" }

type attemptModel struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	Subdomain  string `gorm:"index"`
	Plan       string
	NodeID     string `gorm:"column:node_id"`
	State      string
	Steps      []types.AttemptStep `gorm:"type:jsonb;serializer:json"`
	StartedAt  time.Time
	FinishedAt time.Time
}

func (attemptModel) TableName() string { return "provisioning_attempts" }

type subscriptionModel struct {
	ID                string `gorm:"primaryKey;type:varchar(64)"`
	CustomerEmail     string
	CompanyName       string
	Plan              string
	Status            string
	TenantProvisioned bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (subscriptionModel) TableName() string { return "subscriptions" }

type metricModel struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	NodeID        string    `gorm:"column:node_id;index:idx_metrics_node_time,priority:1"`
	CPUPercent    float64   `gorm:"column:cpu_percent"`
	RAMUsedMB     int64     `gorm:"column:ram_used_mb"`
	StorageUsedGB int64     `gorm:"column:storage_used_gb"`
	TenantCount   int       `gorm:"column:tenant_count"`
	RecordedAt    time.Time `gorm:"column:recorded_at;index:idx_metrics_node_time,priority:2"`
}

func (metricModel) TableName() string { return "resource_metrics" }

// PostgresStore implements Store on PostgreSQL through gorm. It is meant for
// deployments that keep the registry in the same relational database as the
// rest of the platform.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to dsn and migrates the schema
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&nodeModel{}, &deploymentModel{}, &attemptModel{}, &subscriptionModel{}, &metricModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error, kind, key string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return notFound(kind, key)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return alreadyExists(kind, key)
	default:
		return err
	}
}

func toNodeModel(n *types.Node) *nodeModel {
	return &nodeModel{
		ID:            n.ID,
		Name:          n.Name,
		Address:       n.Address,
		AgentPort:     n.AgentPort,
		AppPort:       n.AppPort,
		DBPort:        n.DBPort,
		SSHPort:       n.SSHPort,
		SSHUser:       n.SSHUser,
		Region:        n.Region,
		Role:          string(n.Role),
		CPUCores:      n.Capacity.CPUCores,
		RAMMB:         n.Capacity.RAMMB,
		StorageGB:     n.Capacity.StorageGB,
		MaxSlots:      n.Capacity.MaxSlots,
		CPUPercent:    n.Usage.CPUPercent,
		RAMUsedMB:     n.Usage.RAMUsedMB,
		StorageUsedGB: n.Usage.StorageUsedGB,
		TenantCount:   n.Usage.TenantCount,
		ScannedAt:     n.Usage.ScannedAt,
		Status:        string(n.Status),
		Priority:      n.Priority,
		TunnelID:      n.TunnelID,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func (m *nodeModel) toNode() *types.Node {
	return &types.Node{
		ID:        m.ID,
		Name:      m.Name,
		Address:   m.Address,
		AgentPort: m.AgentPort,
		AppPort:   m.AppPort,
		DBPort:    m.DBPort,
		SSHPort:   m.SSHPort,
		SSHUser:   m.SSHUser,
		Region:    m.Region,
		Role:      types.NodeRole(m.Role),
		Capacity: types.NodeCapacity{
			CPUCores:  m.CPUCores,
			RAMMB:     m.RAMMB,
			StorageGB: m.StorageGB,
			MaxSlots:  m.MaxSlots,
		},
		Usage: types.NodeUsage{
			CPUPercent:    m.CPUPercent,
			RAMUsedMB:     m.RAMUsedMB,
			StorageUsedGB: m.StorageUsedGB,
			TenantCount:   m.TenantCount,
			ScannedAt:     m.ScannedAt,
		},
		Status:    types.NodeStatus(m.Status),
		Priority:  m.Priority,
		TunnelID:  m.TunnelID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toDeploymentModel(d *types.Deployment) *deploymentModel {
	return &deploymentModel{
		Subdomain:      d.Subdomain,
		SubscriptionID: d.SubscriptionID,
		NodeID:         d.NodeID,
		DatabaseName:   d.DatabaseName,
		Plan:           string(d.Plan),
		Domain:         d.Domain,
		URL:            d.URL,
		DirectAddress:  d.DirectAddress,
		TunnelID:       d.TunnelID,
		DNSRecordID:    d.DNSRecordID,
		TunnelActive:   d.TunnelActive,
		SlotHeld:       d.SlotHeld,
		Status:         string(d.Status),
		FailureStep:    d.FailureStep,
		FailureReason:  d.FailureReason,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (m *deploymentModel) toDeployment() *types.Deployment {
	return &types.Deployment{
		Subdomain:      m.Subdomain,
		SubscriptionID: m.SubscriptionID,
		NodeID:         m.NodeID,
		DatabaseName:   m.DatabaseName,
		Plan:           types.PlanTier(m.Plan),
		Domain:         m.Domain,
		URL:            m.URL,
		DirectAddress:  m.DirectAddress,
		TunnelID:       m.TunnelID,
		DNSRecordID:    m.DNSRecordID,
		TunnelActive:   m.TunnelActive,
		SlotHeld:       m.SlotHeld,
		Status:         types.DeploymentStatus(m.Status),
		FailureStep:    m.FailureStep,
		FailureReason:  m.FailureReason,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// Node operations
func (s *PostgresStore) CreateNode(node *types.Node) error {
	return translate(s.db.Create(toNodeModel(node)).Error, "node", node.Name)
}

func (s *PostgresStore) GetNode(id string) (*types.Node, error) {
	var m nodeModel
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, "node", id)
	}
	return m.toNode(), nil
}

func (s *PostgresStore) GetNodeByName(name string) (*types.Node, error) {
	var m nodeModel
	if err := s.db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, translate(err, "node", name)
	}
	return m.toNode(), nil
}

func (s *PostgresStore) ListNodes() ([]*types.Node, error) {
	var models []nodeModel
	if err := s.db.Order("name").Find(&models).Error; err != nil {
		return nil, err
	}
	nodes := make([]*types.Node, 0, len(models))
	for i := range models {
		nodes = append(nodes, models[i].toNode())
	}
	return nodes, nil
}

func (s *PostgresStore) UpdateNode(node *types.Node) error {
	m := toNodeModel(node)
	m.UpdatedAt = time.Now()
	res := s.db.Model(&nodeModel{}).Where("id = ?", node.ID).
		Select("name", "address", "agent_port", "app_port", "db_port", "ssh_port", "ssh_user",
			"region", "role", "cpu_cores", "ram_mb", "storage_gb", "max_slots", "priority", "tunnel_id", "updated_at").
		Updates(m)
	if res.Error != nil {
		return translate(res.Error, "node", node.Name)
	}
	if res.RowsAffected == 0 {
		return notFound("node", node.ID)
	}
	err := s.db.Model(&nodeModel{}).
		Where("id = ? AND status = ? AND tenant_count >= max_slots", node.ID, string(types.NodeStatusOnline)).
		Update("status", string(types.NodeStatusFull)).Error
	if err != nil {
		return err
	}
	return s.db.Model(&nodeModel{}).
		Where("id = ? AND status = ? AND tenant_count < max_slots", node.ID, string(types.NodeStatusFull)).
		Update("status", string(types.NodeStatusOnline)).Error
}

func (s *PostgresStore) DeleteNode(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var m nodeModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.TenantCount > 0 {
			return fmt.Errorf("node %s still holds %d tenants: %w", m.Name, m.TenantCount, errdefs.ErrFailedPrecondition)
		}
		return tx.Delete(&nodeModel{}, "id = ?", id).Error
	})
}

func (s *PostgresStore) ReserveSlot(nodeID string) (*types.Node, error) {
	var reserved *types.Node
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&nodeModel{}).
			Where("id = ? AND status = ? AND tenant_count < max_slots", nodeID, string(types.NodeStatusOnline)).
			Updates(map[string]any{
				"tenant_count": gorm.Expr("tenant_count + 1"),
				"updated_at":   time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}

		var m nodeModel
		if err := tx.First(&m, "id = ?", nodeID).Error; err != nil {
			return translate(err, "node", nodeID)
		}
		if res.RowsAffected == 0 {
			return noSlot(m.toNode())
		}
		if m.TenantCount >= m.MaxSlots {
			if err := tx.Model(&m).Update("status", string(types.NodeStatusFull)).Error; err != nil {
				return err
			}
			m.Status = string(types.NodeStatusFull)
		}
		reserved = m.toNode()
		return nil
	})
	return reserved, err
}

func (s *PostgresStore) ReleaseSlot(nodeID string) (*types.Node, error) {
	var released *types.Node
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&nodeModel{}).
			Where("id = ? AND tenant_count > 0", nodeID).
			Updates(map[string]any{
				"tenant_count": gorm.Expr("tenant_count - 1"),
				"updated_at":   time.Now(),
			}).Error
		if err != nil {
			return err
		}
		err = tx.Model(&nodeModel{}).
			Where("id = ? AND status = ? AND tenant_count < max_slots", nodeID, string(types.NodeStatusFull)).
			Update("status", string(types.NodeStatusOnline)).Error
		if err != nil {
			return err
		}

		var m nodeModel
		if err := tx.First(&m, "id = ?", nodeID).Error; err != nil {
			return translate(err, "node", nodeID)
		}
		released = m.toNode()
		return nil
	})
	return released, err
}

func (s *PostgresStore) UpdateNodeUsage(nodeID string, usage types.NodeUsage) error {
	res := s.db.Model(&nodeModel{}).Where("id = ?", nodeID).Updates(map[string]any{
		"cpu_percent":     usage.CPUPercent,
		"ram_used_mb":     usage.RAMUsedMB,
		"storage_used_gb": usage.StorageUsedGB,
		"scanned_at":      usage.ScannedAt,
		"updated_at":      time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("node", nodeID)
	}
	return nil
}

func (s *PostgresStore) SetNodeStatus(nodeID string, status types.NodeStatus, from ...types.NodeStatus) (bool, error) {
	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var m nodeModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", nodeID).Error; err != nil {
			return translate(err, "node", nodeID)
		}
		if !statusIn(types.NodeStatus(m.Status), from) {
			return nil
		}
		next := effectiveStatus(status, m.TenantCount, m.MaxSlots)
		if err := tx.Model(&m).Update("status", string(next)).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// Deployment operations
func (s *PostgresStore) ReserveSubdomain(d *types.Deployment) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		d.CreatedAt = now
		d.UpdatedAt = now

		var existing deploymentModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "subdomain = ?", d.Subdomain).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return translate(tx.Create(toDeploymentModel(d)).Error, "deployment", d.Subdomain)
		case err != nil:
			return err
		case existing.Status != string(types.DeploymentRolledBack):
			return alreadyExists("deployment", d.Subdomain)
		default:
			return tx.Save(toDeploymentModel(d)).Error
		}
	})
}

func (s *PostgresStore) GetDeployment(subdomain string) (*types.Deployment, error) {
	var m deploymentModel
	if err := s.db.First(&m, "subdomain = ?", subdomain).Error; err != nil {
		return nil, translate(err, "deployment", subdomain)
	}
	return m.toDeployment(), nil
}

func (s *PostgresStore) listDeployments(query *gorm.DB) ([]*types.Deployment, error) {
	var models []deploymentModel
	if err := query.Order("subdomain").Find(&models).Error; err != nil {
		return nil, err
	}
	deployments := make([]*types.Deployment, 0, len(models))
	for i := range models {
		deployments = append(deployments, models[i].toDeployment())
	}
	return deployments, nil
}

func (s *PostgresStore) ListDeployments() ([]*types.Deployment, error) {
	return s.listDeployments(s.db)
}

func (s *PostgresStore) ListDeploymentsByNode(nodeID string) ([]*types.Deployment, error) {
	return s.listDeployments(s.db.Where("node_id = ?", nodeID))
}

func (s *PostgresStore) ListDeploymentsByStatus(statuses ...types.DeploymentStatus) ([]*types.Deployment, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}
	return s.listDeployments(s.db.Where("status IN ?", values))
}

func (s *PostgresStore) UpdateDeployment(d *types.Deployment) error {
	d.UpdatedAt = time.Now()
	m := toDeploymentModel(d)
	res := s.db.Model(&deploymentModel{}).Where("subdomain = ?", d.Subdomain).
		Select("*").Omit("subdomain", "created_at").Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("deployment", d.Subdomain)
	}
	return nil
}

func (s *PostgresStore) DeleteDeployment(subdomain string) error {
	return s.db.Delete(&deploymentModel{}, "subdomain = ?", subdomain).Error
}

// Attempt operations
func (s *PostgresStore) SaveAttempt(a *types.Attempt) error {
	m := &attemptModel{
		ID:         a.ID,
		Subdomain:  a.Subdomain,
		Plan:       string(a.Plan),
		NodeID:     a.NodeID,
		State:      string(a.State),
		Steps:      a.Steps,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"node_id", "state", "steps", "finished_at"}),
	}).Create(m).Error
}

func (m *attemptModel) toAttempt() *types.Attempt {
	return &types.Attempt{
		ID:         m.ID,
		Subdomain:  m.Subdomain,
		Plan:       types.PlanTier(m.Plan),
		NodeID:     m.NodeID,
		State:      types.AttemptState(m.State),
		Steps:      m.Steps,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}

func (s *PostgresStore) GetAttempt(id string) (*types.Attempt, error) {
	var m attemptModel
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, "attempt", id)
	}
	return m.toAttempt(), nil
}

func (s *PostgresStore) ListAttempts(subdomain string) ([]*types.Attempt, error) {
	query := s.db.Order("started_at")
	if subdomain != "" {
		query = query.Where("subdomain = ?", subdomain)
	}
	var models []attemptModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	attempts := make([]*types.Attempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, models[i].toAttempt())
	}
	return attempts, nil
}

// Subscription operations
func (s *PostgresStore) SaveSubscription(sub *types.Subscription) error {
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	m := &subscriptionModel{
		ID:                sub.ID,
		CustomerEmail:     sub.CustomerEmail,
		CompanyName:       sub.CompanyName,
		Plan:              string(sub.Plan),
		Status:            sub.Status,
		TenantProvisioned: sub.TenantProvisioned,
		CreatedAt:         sub.CreatedAt,
		UpdatedAt:         sub.UpdatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"customer_email", "company_name", "plan", "status", "tenant_provisioned", "updated_at"}),
	}).Create(m).Error
}

func (s *PostgresStore) GetSubscription(id string) (*types.Subscription, error) {
	var m subscriptionModel
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, "subscription", id)
	}
	return &types.Subscription{
		ID:                m.ID,
		CustomerEmail:     m.CustomerEmail,
		CompanyName:       m.CompanyName,
		Plan:              types.PlanTier(m.Plan),
		Status:            m.Status,
		TenantProvisioned: m.TenantProvisioned,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func (s *PostgresStore) MarkSubscriptionProvisioned(id string) error {
	res := s.db.Model(&subscriptionModel{}).Where("id = ?", id).Updates(map[string]any{
		"tenant_provisioned": true,
		"updated_at":         time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("subscription", id)
	}
	return nil
}

func (s *PostgresStore) DeleteSubscription(id string) error {
	return s.db.Delete(&subscriptionModel{}, "id = ?", id).Error
}

// Metric operations
func (s *PostgresStore) RecordMetric(m *types.ResourceMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	return s.db.Create(&metricModel{
		NodeID:        m.NodeID,
		CPUPercent:    m.CPUPercent,
		RAMUsedMB:     m.RAMUsedMB,
		StorageUsedGB: m.StorageUsedGB,
		TenantCount:   m.TenantCount,
		RecordedAt:    m.RecordedAt,
	}).Error
}

func (s *PostgresStore) ListMetrics(nodeID string, since time.Time) ([]*types.ResourceMetric, error) {
	var models []metricModel
	err := s.db.Where("node_id = ? AND recorded_at >= ?", nodeID, since).
		Order("recorded_at").Find(&models).Error
	if err != nil {
		return nil, err
	}
	metrics := make([]*types.ResourceMetric, 0, len(models))
	for _, m := range models {
		metrics = append(metrics, &types.ResourceMetric{
			NodeID:        m.NodeID,
			CPUPercent:    m.CPUPercent,
			RAMUsedMB:     m.RAMUsedMB,
			StorageUsedGB: m.StorageUsedGB,
			TenantCount:   m.TenantCount,
			RecordedAt:    m.RecordedAt,
		})
	}
	return metrics, nil
}

func (s *PostgresStore) PruneMetrics(before time.Time) (int, error) {
	res := s.db.Where("recorded_at < ?", before).Delete(&metricModel{})
	return int(res.RowsAffected), res.Error
}
