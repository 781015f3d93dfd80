// Package agents holds the LLM- and network-backed workers the research
// pipeline drives: query generation, pairwise judging, web search and page
// scanning. Each one sits behind a small interface so the pipeline can be
// exercised with fakes.
package agents
