// Package mocks provides shared mock implementations for testing.
//
// # Usage
//
//	import "appbuilder/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    client := mocks.NewMockLLMClient()
//	    client.Script(mocks.Text("done <task_summary>built it</task_summary>"))
//	    box := mocks.NewMockSandbox()
//	    // Use client and box in test...
//	}
//
// # Available Mocks
//
//   - MockLLMClient: scripted llm.LLMClient with call recording
//   - MockSandbox: in-memory sandbox.Provider and sandbox.Session
package mocks
