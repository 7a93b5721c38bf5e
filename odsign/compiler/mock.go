package compiler

import "context"

// CompilerMock is an ArtifactCompiler mock.
type CompilerMock struct {
	// CheckResults are returned by successive Check calls; the last one repeats.
	CheckResults []ExitCode
	// CompileResult is returned by Compile after OnCompile ran.
	CompileResult ExitCode
	OnCompile     func(force bool)

	Checks   int
	Compiles []bool
}

// Check validates the current artifacts without compiling.
func (c *CompilerMock) Check(context.Context) ExitCode {
	c.Checks++
	if len(c.CheckResults) == 0 {
		return Okay
	}
	result := c.CheckResults[0]
	if len(c.CheckResults) > 1 {
		c.CheckResults = c.CheckResults[1:]
	}
	return result
}

// Compile compiles whatever is out of date, or everything if force is set.
func (c *CompilerMock) Compile(_ context.Context, force bool) ExitCode {
	c.Compiles = append(c.Compiles, force)
	if c.OnCompile != nil {
		c.OnCompile(force)
	}
	return c.CompileResult
}

// VerifierMock is a SecondaryVerifier mock.
type VerifierMock struct {
	Confirmed map[Instance]bool
	// OnConfirm runs when an instance is confirmed, e.g. to promote pending key material.
	OnConfirm func(instance Instance)
	Calls     []Instance
}

// VerifyKey reports whether the key of the given instance has been confirmed.
func (v *VerifierMock) VerifyKey(_ context.Context, instance Instance) bool {
	v.Calls = append(v.Calls, instance)
	if !v.Confirmed[instance] {
		return false
	}
	if v.OnConfirm != nil {
		v.OnConfirm(instance)
	}
	return true
}
