package mqtt

import "github.com/nugget/mcphub/internal/buildinfo"

// Discovery components used by the publisher.
const (
	componentSensor       = "sensor"
	componentBinarySensor = "binary_sensor"
)

// DeviceInfo groups every hub and server entity on one Home Assistant
// device page. Identifiers carries the persistent instance ID so a
// renamed device_name keeps its history.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// OriginInfo names the software that published a discovery payload.
type OriginInfo struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw_version"`
}

// SensorConfig is a retained discovery payload. The same shape serves
// plain sensors and binary sensors; PayloadOn and PayloadOff are only
// set for the latter.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Origin              OriginInfo `json:"origin"`
	Icon                string     `json:"icon,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo builds the device block for a hub instance.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: buildinfo.Name,
		Model:        "MCP Server Hub",
		SWVersion:    buildinfo.Version,
	}
}

func origin() OriginInfo {
	return OriginInfo{Name: buildinfo.Name, SWVersion: buildinfo.Version}
}
