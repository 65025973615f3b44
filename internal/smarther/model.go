package smarther

// ThermostatMode is the chronothermostat operating mode, using the
// cloud's uppercase wire values.
type ThermostatMode string

// Thermostat modes.
const (
	ModeAutomatic  ThermostatMode = "AUTOMATIC"
	ModeManual     ThermostatMode = "MANUAL"
	ModeBoost      ThermostatMode = "BOOST"
	ModeOff        ThermostatMode = "OFF"
	ModeProtection ThermostatMode = "PROTECTION"
)

// ThermostatFunction is the thermoregulation function.
type ThermostatFunction string

// Thermostat functions.
const (
	FunctionHeating ThermostatFunction = "HEATING"
	FunctionCooling ThermostatFunction = "COOLING"
)

// Plant is one installation (a home) as listed by the plants endpoint.
type Plant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
}

// plantsResponse is the body of GET /plants.
type plantsResponse struct {
	Plants []Plant `json:"plants"`
}

// ModuleRef identifies one module (a thermostat) within a plant.
type ModuleRef struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Device string `json:"device,omitempty"`
}

// PlantDetail is a plant with its modules, as returned by the topology
// endpoint.
type PlantDetail struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Modules []ModuleRef `json:"modules"`
}

// topologyResponse is the body of GET /plants/{id}/topology.
type topologyResponse struct {
	Plant PlantDetail `json:"plant"`
}

// Measurement is a dimensioned value. The cloud encodes numeric values
// as JSON strings, hence the ,string option.
type Measurement struct {
	Value float64 `json:"value,string"`
	Unit  string  `json:"unit,omitempty"`
}

// TimedMeasurement is a Measurement stamped with the time it was taken.
type TimedMeasurement struct {
	Time  string  `json:"timeStamp"`
	Value float64 `json:"value,string"`
	Unit  string  `json:"unit,omitempty"`
}

// Instrument is a sensor (thermometer or hygrometer) with its recent
// measures, most recent last.
type Instrument struct {
	Measures []TimedMeasurement `json:"measures"`
}

// LastMeasure returns the most recent measurement, or nil if the
// instrument reported none.
func (i *Instrument) LastMeasure() *TimedMeasurement {
	if i == nil || len(i.Measures) == 0 {
		return nil
	}
	return &i.Measures[len(i.Measures)-1]
}

// SenderPlant identifies the plant and module a status notification
// originates from.
type SenderPlant struct {
	ID     string    `json:"id"`
	Module ModuleRef `json:"module"`
}

// Sender is the origin block of a chronothermostat status.
type Sender struct {
	AddressType string       `json:"addressType,omitempty"`
	System      string       `json:"system,omitempty"`
	Plant       *SenderPlant `json:"plant,omitempty"`
}

// ChronothermostatStatus is the full reported state of one thermostat,
// as delivered by both the status endpoint and webhook notifications.
type ChronothermostatStatus struct {
	Function          ThermostatFunction `json:"function"`
	Mode              ThermostatMode     `json:"mode"`
	SetPoint          *Measurement       `json:"setPoint,omitempty"`
	TemperatureFormat string             `json:"temperatureFormat,omitempty"`
	LoadState         string             `json:"loadState,omitempty"`
	Time              string             `json:"time,omitempty"`
	ActivationTime    string             `json:"activationTime,omitempty"`
	Sender            *Sender            `json:"sender,omitempty"`
	Thermometer       *Instrument        `json:"thermometer,omitempty"`
	Hygrometer        *Instrument        `json:"hygrometer,omitempty"`
}

// ModuleStatus wraps the chronothermostat statuses of a status read or a
// webhook notification. A notification can carry more than one entry.
type ModuleStatus struct {
	Chronothermostats []ChronothermostatStatus `json:"chronothermostats"`
}

// Program selects a stored chronothermostat program by number. Required
// by the cloud when setting AUTOMATIC mode.
type Program struct {
	Number int `json:"number"`
}

// SetStatusRequest is the body of a status write. Fields beyond Function
// and Mode are required or forbidden depending on the mode: MANUAL needs
// SetPoint, AUTOMATIC needs Programs, BOOST needs ActivationTime.
type SetStatusRequest struct {
	Function       ThermostatFunction `json:"function"`
	Mode           ThermostatMode     `json:"mode"`
	SetPoint       *Measurement       `json:"setPoint,omitempty"`
	Programs       []Program          `json:"programs,omitempty"`
	ActivationTime string             `json:"activationTime,omitempty"`
}

// SubscriptionInfo describes one C2C webhook subscription.
type SubscriptionInfo struct {
	SubscriptionID string `json:"subscriptionId"`
	EndPointURL    string `json:"EndPointUrl,omitempty"`
	PlantID        string `json:"plantId,omitempty"`
}
