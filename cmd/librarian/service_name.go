// service_name.go — имя экземпляра для графа topologymetrics.
package main

import (
	"os"
	"regexp"
	"strings"
)

var (
	// <deployment>-<replicaset hash>-<pod suffix>
	deploymentPod = regexp.MustCompile(`^(.+)-[a-z0-9]{5,10}-[a-z0-9]{5}$`)
	// <statefulset>-<ordinal>
	statefulSetPod = regexp.MustCompile(`^(.+)-[0-9]+$`)
)

// resolveServiceID возвращает имя владельца пода из hostname
// или "librarian", если hostname недоступен.
func resolveServiceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "librarian"
	}
	return parseOwnerName(hostname)
}

// parseOwnerName извлекает имя Deployment или StatefulSet из имени пода.
// Имена, не похожие на имя пода, возвращаются без изменений.
func parseOwnerName(hostname string) string {
	hostname = strings.ToLower(hostname)
	if m := deploymentPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}
