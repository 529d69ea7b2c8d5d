// Package model defines core data structures for fleetscan.
package model

import (
	"strings"
	"time"
)

// CheckStatus is the outcome recorded on a host after its last scan attempt.
type CheckStatus string

const (
	StatusSuccess             CheckStatus = "success"
	StatusFailed              CheckStatus = "failed"
	StatusUnreachable         CheckStatus = "unreachable"
	StatusPartiallySuccessful CheckStatus = "partially_successful"
	StatusDisabled            CheckStatus = "disabled"
	StatusDeleted             CheckStatus = "deleted"
)

// Scannable reports whether hosts in this status belong to the scan roster.
func (s CheckStatus) Scannable() bool {
	return s != StatusDisabled && s != StatusDeleted
}

// Host represents a remote Windows machine tracked in inventory.
type Host struct {
	ID           int64       `json:"id"`
	Hostname     string      `json:"hostname"`
	OSName       string      `json:"os_name"`
	OSVersion    string      `json:"os_version"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	SerialNumber string      `json:"serial_number"`
	RAMBytes     int64       `json:"ram_bytes"`
	CheckStatus  CheckStatus `json:"check_status"`
	LastError    string      `json:"last_error,omitempty"`
	LastUpdated  *time.Time  `json:"last_updated,omitempty"`
	LastFullScan *time.Time  `json:"last_full_scan,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// HostKey returns the case-insensitive identity of a hostname.
func HostKey(hostname string) string {
	return strings.ToLower(strings.TrimSpace(hostname))
}

// HostFacts are the scalar attributes of a host refreshed by the hardware script.
type HostFacts struct {
	OSName       string `json:"os_name"`
	OSVersion    string `json:"os_version"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
	RAMBytes     int64  `json:"ram_bytes"`
}

// IsServer reports whether the OS name denotes a Windows Server edition.
func (f HostFacts) IsServer() bool {
	return strings.Contains(strings.ToLower(f.OSName), "server")
}

// Category names a kind of inventoried component.
type Category string

const (
	CategoryIPAddress    Category = "ip_address"
	CategoryMACAddress   Category = "mac_address"
	CategoryProcessor    Category = "processor"
	CategoryVideoCard    Category = "video_card"
	CategoryPhysicalDisk Category = "physical_disk"
	CategoryLogicalDisk  Category = "logical_disk"
	CategorySoftware     Category = "software"
	CategoryServerRole   Category = "server_role"
)

// Categories lists every component category in reconciliation order. Physical
// disks precede logical disks so parent links resolve within one pass.
var Categories = []Category{
	CategoryIPAddress,
	CategoryMACAddress,
	CategoryProcessor,
	CategoryVideoCard,
	CategoryPhysicalDisk,
	CategoryLogicalDisk,
	CategorySoftware,
	CategoryServerRole,
}

// CoreCategories are the identity signals that prove a host was inventoried.
var CoreCategories = []Category{
	CategoryIPAddress,
	CategoryMACAddress,
	CategoryProcessor,
	CategoryPhysicalDisk,
}

// Item is one validated component observation from a scan.
type Item struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes"`
	// ParentKey links a logical disk to its physical disk's key. It is only
	// used while persisting and is never stored.
	ParentKey string `json:"-"`
}

// Component is a persisted component row. Rows are never deleted; absence
// from a scan sets RemovedOn and reappearance clears it.
type Component struct {
	ID         int64          `json:"id"`
	HostID     int64          `json:"host_id"`
	Category   Category       `json:"category"`
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes"`
	ParentID   *int64         `json:"parent_id,omitempty"`
	DetectedOn time.Time      `json:"detected_on"`
	RemovedOn  *time.Time     `json:"removed_on,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Active reports whether the component is present on the host.
func (c *Component) Active() bool {
	return c.RemovedOn == nil
}

// CatalogEntry is a deduplicated software title shared across hosts.
type CatalogEntry struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	Publisher  string `json:"publisher"`
	NameKey    string `json:"-"`
	VersionKey string `json:"-"`
}

// SoftwareKey returns the installation identity for a name and version.
func SoftwareKey(name, version string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + strings.ToLower(strings.TrimSpace(version))
}

// Installation links a host to a catalog entry.
type Installation struct {
	ID          int64      `json:"id"`
	HostID      int64      `json:"host_id"`
	CatalogID   int64      `json:"catalog_id"`
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Publisher   string     `json:"publisher"`
	InstallDate string     `json:"install_date"`
	DetectedOn  time.Time  `json:"detected_on"`
	RemovedOn   *time.Time `json:"removed_on,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active reports whether the software is still installed.
func (in *Installation) Active() bool {
	return in.RemovedOn == nil
}

// TaskStatus is the lifecycle state of a ScanTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ScanTask is one fleet-wide or single-host scan request.
type ScanTask struct {
	ID              string     `json:"id"`
	Status          TaskStatus `json:"status"`
	Hostname        string     `json:"hostname,omitempty"`
	ScannedHosts    int        `json:"scanned_hosts"`
	SuccessfulHosts int        `json:"successful_hosts"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DomainCredential holds the encrypted administrative secret for a domain.
type DomainCredential struct {
	Domain          string    `json:"domain"`
	Username        string    `json:"username"`
	EncryptedSecret string    `json:"-"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ScanMode selects how much software inventory a host scan collects.
type ScanMode string

const (
	ScanFull        ScanMode = "full"
	ScanIncremental ScanMode = "incremental"
)

// Credential is a resolved administrative identity for a remote session.
type Credential struct {
	Username string
	Secret   string
}
