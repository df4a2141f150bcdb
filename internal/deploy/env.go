package deploy

// MergeEnvVars merges two maps of environment variables.
// The second map (serviceVars) takes precedence over the first (baseVars).
func MergeEnvVars(baseVars, serviceVars map[string]string) map[string]string {
	merged := make(map[string]string, len(baseVars)+len(serviceVars))

	for k, v := range baseVars {
		merged[k] = v
	}

	// Override with the service's active environment
	for k, v := range serviceVars {
		merged[k] = v
	}

	return merged
}
