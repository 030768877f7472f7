// Package stackcfg holds the naming shared with the infrastructure stack
// that provisions networking for the dev environment.
package stackcfg

import "fmt"

// Config names the resources the provisioning stack exports.
type Config struct {
	ResourcePrefix string

	StackName string
	TagName   string

	VPCName              string
	SSHSecurityGroupName string
}

// Dev returns the development environment naming.
func Dev() Config {
	const prefix = "ml-dev"

	return Config{
		ResourcePrefix:       prefix,
		StackName:            prefix,
		TagName:              prefix,
		VPCName:              fmt.Sprintf("%s-vpc", prefix),
		SSHSecurityGroupName: fmt.Sprintf("%s-ssh-sg", prefix),
	}
}
