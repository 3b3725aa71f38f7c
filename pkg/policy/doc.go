// Package policy evaluates inheritance declarations against Rego policies.
//
// A policy is a Rego module in package strata.inheritance that defines a
// deny set. Each declared edge is evaluated with the input
//
//	{
//	    "descendant": "theme.5",
//	    "ancestor": "core.base",
//	    "descendant_type": "board",
//	    "ancestor_type": "core"
//	}
//
// and any message in the deny set makes the edge illegal:
//
//	package strata.inheritance
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.ancestor == "core.legacy"
//	    msg := "core.legacy is retired"
//	}
//
// RegoRule implements inherit.DirectionRule so it can be combined with the
// built-in theme rule through inherit.Rules. Loader reads policies from
// files and directories and can watch them for changes.
package policy
