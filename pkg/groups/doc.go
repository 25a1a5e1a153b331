// Package groups loads rollout group definitions from a YAML file.
//
// Group membership tests are code and are never stored with feature
// records. This package lets operators declare them instead:
//
//	groups:
//	  staff:
//	    users: [alice, bob]
//	  beta:
//	    expr: 'user.endsWith("-beta")'
//	  qa:
//	    users: [carol]
//	    expr: 'user.startsWith("qa-")'
//
// A user belongs to a group when listed under users or when the CEL
// expression, evaluated with the string variable user, yields true.
// Expressions are type-checked at load time; evaluation errors count as
// no match.
//
//	defs, err := groups.Load("groups.yaml")
//	if err != nil {
//		return err
//	}
//	if err := groups.Register(r, defs); err != nil {
//		return err
//	}
package groups
