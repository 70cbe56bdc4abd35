// internal/browser/bridge.go
package browser

// bindingName is the runtime binding the bridge script reports through.
const bindingName = "__pagepulseEmit"

// handleAttribute stamps element handles into the DOM. Its dataset key is hidden
// from Dataset.
const handleAttribute = "data-pp-handle"

// bridgeScript runs in every new document before page scripts. It exposes
// window.__pagepulse, which the Go side drives with Runtime.evaluate, and routes
// DOM events and paint entries back through the binding as JSON messages.
const bridgeScript = `(() => {
  if (window.__pagepulse) { return; }
  const emit = (msg) => {
    try { window.` + bindingName + `(JSON.stringify(msg)); } catch (e) {}
  };
  let nextHandle = 0;
  const listeners = new Map();
  const observers = new Map();

  const handleOf = (el) => {
    let h = el.getAttribute('` + handleAttribute + `');
    if (!h) {
      h = 'pp-' + (++nextHandle);
      el.setAttribute('` + handleAttribute + `', h);
    }
    return h;
  };
  const find = (h) => document.querySelector('[` + handleAttribute + `="' + h + '"]');
  const xpath = (expr) => {
    const out = [];
    const res = document.evaluate(expr, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
    for (let i = 0; i < res.snapshotLength; i++) {
      const n = res.snapshotItem(i);
      if (n.nodeType === Node.ELEMENT_NODE) { out.push(n); }
    }
    return out;
  };

  window.__pagepulse = {
    query(sel) {
      let nodes;
      if (sel.startsWith('xpath:')) {
        nodes = xpath(sel.slice(6));
      } else if (sel.startsWith('/') || sel.startsWith('(')) {
        nodes = xpath(sel);
      } else {
        nodes = Array.from(document.querySelectorAll(sel));
      }
      return nodes.map(handleOf);
    },
    listen(target, type, id, capture, passive) {
      const node = target === 'window' ? window : find(target);
      if (!node) { return false; }
      const fn = () => emit({ kind: 'event', id: id, type: type, target: target });
      node.addEventListener(type, fn, { capture: capture, passive: passive });
      listeners.set(id, { node: node, type: type, fn: fn, capture: capture });
      return true;
    },
    unlisten(id) {
      const l = listeners.get(id);
      if (!l) { return false; }
      l.node.removeEventListener(l.type, l.fn, { capture: l.capture });
      listeners.delete(id);
      return true;
    },
    dataset(h) {
      const el = find(h);
      if (!el) { return null; }
      const out = {};
      for (const key of Object.keys(el.dataset)) {
        if (key !== 'ppHandle') { out[key] = el.dataset[key]; }
      }
      return out;
    },
    rect(h) {
      const el = find(h);
      if (!el) { return null; }
      const r = el.getBoundingClientRect();
      return { top: r.top, left: r.left, width: r.width, height: r.height };
    },
    style(h) {
      const el = find(h);
      if (!el) { return null; }
      const cs = window.getComputedStyle(el);
      return { hidden: el.hidden === true, visibility: cs.visibility, opacity: cs.opacity, display: cs.display };
    },
    viewport() {
      return {
        scrollY: window.pageYOffset,
        height: window.innerHeight,
        documentHeight: document.body ? document.body.clientHeight : 0,
      };
    },
    location() {
      return {
        href: window.location.href,
        origin: window.location.origin,
        pathname: window.location.pathname,
        referrer: document.referrer,
      };
    },
    performanceSupported() {
      return typeof window.PerformanceObserver === 'function';
    },
    observePaint(id) {
      if (typeof window.PerformanceObserver !== 'function') { return false; }
      const obs = new PerformanceObserver((list) => {
        const entries = list.getEntries().map((e) => ({ name: e.name, startTime: e.startTime, duration: e.duration }));
        emit({ kind: 'paint', id: id, entries: entries });
      });
      try {
        obs.observe({ type: 'paint', buffered: true });
      } catch (e) {
        obs.observe({ entryTypes: ['paint'] });
      }
      observers.set(id, obs);
      return true;
    },
    unobserve(id) {
      const obs = observers.get(id);
      if (obs) { obs.disconnect(); observers.delete(id); }
      return true;
    },
    navigationTiming() {
      const nav = performance.getEntriesByType('navigation')[0] || performance.timing;
      return { requestStart: nav.requestStart, responseStart: nav.responseStart };
    },
    timeToInteractive() {
      return new Promise((resolve) => {
        const settle = () => setTimeout(() => {
          const nav = performance.getEntriesByType('navigation')[0];
          resolve(nav ? Math.max(nav.domInteractive, nav.domContentLoadedEventEnd) : null);
        }, 0);
        if (document.readyState === 'complete') {
          settle();
        } else {
          window.addEventListener('load', settle, { once: true });
        }
      });
    },
  };
})();`
