// Package menu holds the immutable menu graph walked by dialogue sessions.
//
// A menu document lists nodes keyed by id. Each node has a prompt (or a title
// from which the prompt is composed) and an ordered list of options. An option
// is exactly one of:
//
//	goto: <node id>          advance to another node
//	reply: <text>            terminal reply; add suspend: true to stop
//	                         automated replies afterwards
//	action: back | home      previous node on the trail, or the root
//
// Documents are YAML or TOML, chosen by file extension:
//
//	root: main
//	nodes:
//	  main:
//	    prompt: "Welcome!\n1. Products\n2. Human"
//	    options:
//	      - key: "1"
//	        goto: products
//	      - key: "2"
//	        reply: "An agent will contact you soon."
//	        suspend: true
//
// Navigation edges must form an acyclic graph. Returning to the root is
// expressed with action: home, which references the root by id and is not a
// structural edge.
package menu
