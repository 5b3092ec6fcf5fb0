// Package units provides shared constants and conversions for fueling units.
package units

// Stoichiometric air-fuel ratios for common fuel blends. Lambda-based
// wideband columns convert to AFR at ingest using one of these unless the
// caller supplies its own ratio.
const (
	StoichAFRGasoline = 14.7
	StoichAFRE10      = 14.08
)

// Fueling display unit identifiers accepted by the API.
const (
	AFR    = "afr"
	Lambda = "lambda"
)

// ValidFuelUnits contains all valid fueling unit values
var ValidFuelUnits = []string{AFR, Lambda}

// IsValidFuelUnit checks if the given unit is in the list of valid fueling units
func IsValidFuelUnit(unit string) bool {
	for _, validUnit := range ValidFuelUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidFuelUnitsString returns a comma-separated string of valid fueling units for error messages
func GetValidFuelUnitsString() string {
	return "afr, lambda"
}

// LambdaToAFR converts a lambda reading to AFR for the given stoichiometric ratio.
func LambdaToAFR(lambda, stoich float64) float64 {
	return lambda * stoich
}

// AFRToLambda converts an AFR reading to lambda for the given stoichiometric ratio.
func AFRToLambda(afr, stoich float64) float64 {
	if stoich == 0 {
		return 0
	}
	return afr / stoich
}
