package services

import (
	"github.com/hyperfleet/hyperfleet/models"
)

// ComposeGuestConfig builds the guest initialization payload transmitted to
// the agent from a managed deployment request. The function is pure: it
// never mutates the request and identical inputs produce identical maps.
//
// The local administrator pair is always present. The domain-join, ansible,
// and static-IP parameter sets are included whole when their key field is
// set; the request validator already enforced all-or-none cardinality at
// ingestion. dns2 and the DNS suffix ride along individually when non-empty.
func ComposeGuestConfig(req *models.ManagedDeploymentRequest) map[string]interface{} {
	cfg := map[string]interface{}{
		"guest_la_uid": req.GuestLAUID,
		"guest_la_pw":  req.GuestLAPW,
	}

	if req.GuestDomainJoinTarget != "" {
		cfg["guest_domain_join_target"] = req.GuestDomainJoinTarget
		cfg["guest_domain_join_uid"] = req.GuestDomainJoinUID
		cfg["guest_domain_join_pw"] = req.GuestDomainJoinPW
		cfg["guest_domain_join_ou"] = req.GuestDomainJoinOU
	}

	if req.GuestAnsibleSSHUser != "" {
		cfg["guest_ansible_ssh_user"] = req.GuestAnsibleSSHUser
		cfg["guest_ansible_ssh_key"] = req.GuestAnsibleSSHKey
	}

	if req.GuestIPAddr != "" {
		cfg["guest_ip_addr"] = req.GuestIPAddr
		cfg["guest_cidr_prefix"] = req.GuestCIDRPrefix
		cfg["guest_default_gw"] = req.GuestDefaultGW
		cfg["guest_dns1"] = req.GuestDNS1
		if req.GuestDNS2 != "" {
			cfg["guest_dns2"] = req.GuestDNS2
		}
		if req.GuestDNSSuffix != "" {
			cfg["guest_dns_suffix"] = req.GuestDNSSuffix
		}
	}

	return cfg
}
