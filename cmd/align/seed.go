package main

import "align/internal/identity"

// demoAccounts returns confirmed accounts for local development.
func demoAccounts() []identity.MemoryAccount {
	return []identity.MemoryAccount{
		{
			Username:  "ada@example.com",
			Password:  "correct-horse",
			Confirmed: true,
			Attributes: map[string]string{
				identity.AttributeEmail:    "ada@example.com",
				identity.AttributeFullName: "Ada Lovelace",
			},
		},
		{
			Username:  "grace@example.com",
			Password:  "battery-staple",
			Confirmed: true,
			Attributes: map[string]string{
				identity.AttributeEmail:    "grace@example.com",
				identity.AttributeFullName: "Grace Hopper",
			},
		},
	}
}
