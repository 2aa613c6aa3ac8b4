package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperfleet/hyperfleet/models"
)

func minimalGuestRequest() *models.ManagedDeploymentRequest {
	return &models.ManagedDeploymentRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "web01", CPUCount: 2, MemoryMB: 4096},
		GuestLAUID: "Administrator",
		GuestLAPW:  "s3cret",
	}
}

func TestComposeGuestConfigMinimal(t *testing.T) {
	cfg := ComposeGuestConfig(minimalGuestRequest())

	assert.Equal(t, map[string]interface{}{
		"guest_la_uid": "Administrator",
		"guest_la_pw":  "s3cret",
	}, cfg)
}

func TestComposeGuestConfigDomainJoinSet(t *testing.T) {
	req := minimalGuestRequest()
	req.GuestDomainJoinTarget = "corp.example.com"
	req.GuestDomainJoinUID = "joiner"
	req.GuestDomainJoinPW = "joinpw"
	req.GuestDomainJoinOU = "OU=Servers,DC=corp,DC=example,DC=com"

	cfg := ComposeGuestConfig(req)

	assert.Equal(t, "corp.example.com", cfg["guest_domain_join_target"])
	assert.Equal(t, "joiner", cfg["guest_domain_join_uid"])
	assert.Equal(t, "joinpw", cfg["guest_domain_join_pw"])
	assert.Equal(t, "OU=Servers,DC=corp,DC=example,DC=com", cfg["guest_domain_join_ou"])
}

func TestComposeGuestConfigStaticIPWithOptionalDNS(t *testing.T) {
	req := minimalGuestRequest()
	req.GuestIPAddr = "10.1.2.30"
	req.GuestCIDRPrefix = 24
	req.GuestDefaultGW = "10.1.2.1"
	req.GuestDNS1 = "10.1.0.10"

	cfg := ComposeGuestConfig(req)
	assert.Equal(t, "10.1.2.30", cfg["guest_ip_addr"])
	assert.Equal(t, 24, cfg["guest_cidr_prefix"])
	_, hasDNS2 := cfg["guest_dns2"]
	assert.False(t, hasDNS2)
	_, hasSuffix := cfg["guest_dns_suffix"]
	assert.False(t, hasSuffix)

	req.GuestDNS2 = "10.1.0.11"
	req.GuestDNSSuffix = "corp.example.com"
	cfg = ComposeGuestConfig(req)
	assert.Equal(t, "10.1.0.11", cfg["guest_dns2"])
	assert.Equal(t, "corp.example.com", cfg["guest_dns_suffix"])
}

func TestComposeGuestConfigAbsentSetsLeaveNoKeys(t *testing.T) {
	cfg := ComposeGuestConfig(minimalGuestRequest())
	for _, key := range []string{
		"guest_domain_join_target", "guest_ansible_ssh_user", "guest_ip_addr",
	} {
		_, ok := cfg[key]
		assert.False(t, ok, "unexpected key %s", key)
	}
}

func TestComposeGuestConfigIsPure(t *testing.T) {
	req := minimalGuestRequest()
	req.GuestAnsibleSSHUser = "ansible"
	req.GuestAnsibleSSHKey = "ssh-ed25519 AAAA..."

	before := *req
	first := ComposeGuestConfig(req)
	second := ComposeGuestConfig(req)

	require.Equal(t, before, *req)
	assert.Equal(t, first, second)
}
