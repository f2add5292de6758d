package observer

import "fmt"

// Key layout (spec.md §6), rooted under a configurable business prefix.

func BusProxyPrefix(prefix, businessID string) string {
	return fmt.Sprintf("/%s/busproxy/business/%s/tenant/0/", prefix, businessID)
}

func BusProxyKey(prefix, businessID, nodeID string) string {
	return fmt.Sprintf("%snode/%s", BusProxyPrefix(prefix, businessID), nodeID)
}

func FunctionMetaPrefix(prefix, businessID string) string {
	return fmt.Sprintf("/%s/functions/business/%s/", prefix, businessID)
}

func FunctionMetaKey(prefix, businessID, tenantID, name, version string) string {
	return fmt.Sprintf("%stenant/%s/function/%s/version/%s", FunctionMetaPrefix(prefix, businessID), tenantID, name, version)
}

func InstancePrefix(prefix, businessID string) string {
	return fmt.Sprintf("/%s/instance/business/%s/", prefix, businessID)
}

func InstanceKey(prefix, businessID, tenantID, name, version, az, requestID, instanceID string) string {
	return fmt.Sprintf("%stenant/%s/function/%s/version/%s/%s/%s/%s",
		InstancePrefix(prefix, businessID), tenantID, name, version, az, requestID, instanceID)
}

func RoutePrefix(prefix, businessID string) string {
	return fmt.Sprintf("/%s/route/business/%s/", prefix, businessID)
}

func RouteKey(prefix, businessID, instanceID string) string {
	return fmt.Sprintf("%s%s", RoutePrefix(prefix, businessID), instanceID)
}
