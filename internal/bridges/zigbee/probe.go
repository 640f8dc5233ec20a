package zigbee

import "github.com/nerrad567/gray-logic-mig/internal/mig"

// zigbee-herdsman cluster names.
const (
	clusterOnOff                 = "genOnOff"
	clusterLevelControl          = "genLevelCtrl"
	clusterColorControl          = "lightingColorCtrl"
	clusterIASZone               = "ssIasZone"
	clusterOccupancy             = "msOccupancySensing"
	clusterIlluminance           = "msIlluminanceMeasurement"
	clusterTemperature           = "msTemperatureMeasurement"
	clusterWindowCovering        = "closuresWindowCovering"
	clusterElectricalMeasurement = "haElectricalMeasurement"
	clusterMetering              = "seMetering"
)

// probeType infers a module type from the input clusters of a node.
// Generic means nothing conclusive was found.
func probeType(clusters []string) mig.ModuleType {
	has := make(map[string]bool, len(clusters))
	for _, c := range clusters {
		has[c] = true
	}

	switch {
	case has[clusterColorControl]:
		return mig.TypeColor
	case has[clusterLevelControl] && !has[clusterOccupancy]:
		return mig.TypeDimmer
	case has[clusterIASZone], has[clusterOccupancy], has[clusterIlluminance],
		has[clusterTemperature], has[clusterWindowCovering],
		has[clusterElectricalMeasurement], has[clusterMetering]:
		return mig.TypeSensor
	case has[clusterOnOff]:
		return mig.TypeSwitch
	default:
		return mig.TypeGeneric
	}
}
