package firewall

// builtinBlockRules returns the built-in injection phrases. They are always
// loaded unless their id matches an entry of the rules file's disabled list.
//
// Patterns are written plainly. Matching runs on canonical text, so the
// obfuscated variants (homoglyphs, leetspeak, zero-width joiners, small
// typos) are covered without separate entries.
func builtinBlockRules() []Rule {
	return []Rule{
		// --- Instruction override ---
		{ID: "PFW-001", Pattern: "ignore previous instructions"},
		{ID: "PFW-001B", Pattern: "ignore all previous instructions"},
		{ID: "PFW-001C", Pattern: "disregard previous instructions"},

		// --- Prompt extraction ---
		{ID: "PFW-002", Pattern: "reveal system prompt"},
		{ID: "PFW-002B", Pattern: "print system prompt"},
		{ID: "PFW-003", Pattern: "developer instructions"},

		// --- Policy evasion ---
		{ID: "PFW-004", Pattern: "bypass policy"},
		{ID: "PFW-005", Pattern: "jailbreak"},
		{ID: "PFW-006", Pattern: "do anything now"},
	}
}

// builtinSanitizeRules returns markers stripped from prompts before they are
// forwarded. They are applied in order.
func builtinSanitizeRules() []Rule {
	return []Rule{
		{ID: "PFW-SAN-001", Pattern: "```"},
		{ID: "PFW-SAN-002", Pattern: "<script"},
		{ID: "PFW-SAN-003", Pattern: "</script>"},
	}
}
